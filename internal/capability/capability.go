// Package capability declares, per provider, how well each IR feature maps to
// the provider's native model. The matrix is deliberately a literal data
// table: plugins consult it before emitting a feature, so a gap between the
// table and plugin behavior shows up as a reviewable diff, not a runtime
// surprise.
package capability

import (
	"fmt"
	"sort"
)

// Level rates a provider's support for an IR feature.
type Level string

const (
	Full        Level = "full"
	Partial     Level = "partial"
	Unsupported Level = "unsupported"
)

// Feature identifies an IR feature or sub-option.
type Feature string

const (
	AuthBasic  Feature = "authentication.basic"
	AuthAPIKey Feature = "authentication.api_key"
	AuthJWT    Feature = "authentication.jwt"

	RateLimit      Feature = "rate_limit"
	RateLimitBurst Feature = "rate_limit.burst"

	CORS          Feature = "cors"
	Timeout       Feature = "timeout"
	Retry         Feature = "retry"
	RetryBackoff  Feature = "retry.backoff"
	Websocket     Feature = "websocket"
	Headers       Feature = "headers"
	BodyTransform Feature = "body_transformation"
	Cache         Feature = "cache"

	LBRoundRobin Feature = "load_balancer.round_robin"
	LBLeastConn  Feature = "load_balancer.least_conn"
	LBIPHash     Feature = "load_balancer.ip_hash"
	LBWeighted   Feature = "load_balancer.weighted"
	MultiTarget  Feature = "upstream.multi_target"

	HealthActive   Feature = "health_check.active"
	HealthPassive  Feature = "health_check.passive"
	CircuitBreaker Feature = "circuit_breaker"
)

// Support is one cell of the matrix.
type Support struct {
	Level Level
	Note  string
}

// FeatureSupport pairs a feature with its support rating, for coverage
// reports.
type FeatureSupport struct {
	Feature Feature
	Level   Level
	Note    string
}

// allFeatures lists every matrix row. Order here is the canonical report
// order after sorting.
var allFeatures = []Feature{
	AuthBasic, AuthAPIKey, AuthJWT,
	RateLimit, RateLimitBurst,
	CORS, Timeout, Retry, RetryBackoff, Websocket, Headers, BodyTransform, Cache,
	LBRoundRobin, LBLeastConn, LBIPHash, LBWeighted, MultiTarget,
	HealthActive, HealthPassive, CircuitBreaker,
}

var matrix = map[string]map[Feature]Support{
	"kong": {
		AuthBasic:      {Level: Full},
		AuthAPIKey:     {Level: Full},
		AuthJWT:        {Level: Full},
		RateLimit:      {Level: Full},
		RateLimitBurst: {Level: Unsupported, Note: "rate-limiting plugin has no burst allowance"},
		CORS:           {Level: Full},
		Timeout:        {Level: Full},
		Retry:          {Level: Partial, Note: "attempt count only; conditions are not configurable"},
		RetryBackoff:   {Level: Unsupported, Note: "no backoff control on service retries"},
		Websocket:      {Level: Full},
		Headers:        {Level: Full},
		BodyTransform:  {Level: Partial, Note: "static fields map to request/response-transformer; placeholder values require a pre-function Lua shim"},
		Cache:          {Level: Full},
		LBRoundRobin:   {Level: Full},
		LBLeastConn:    {Level: Full},
		LBIPHash:       {Level: Partial, Note: "consistent-hashing keyed on client IP"},
		LBWeighted:     {Level: Full},
		MultiTarget:    {Level: Full},
		HealthActive:   {Level: Full},
		HealthPassive:  {Level: Full},
		CircuitBreaker: {Level: Partial, Note: "approximated via passive health check; no dedicated breaker state machine"},
	},
	"apisix": {
		AuthBasic:      {Level: Full},
		AuthAPIKey:     {Level: Full},
		AuthJWT:        {Level: Full},
		RateLimit:      {Level: Full},
		RateLimitBurst: {Level: Full},
		CORS:           {Level: Full},
		Timeout:        {Level: Full},
		Retry:          {Level: Partial, Note: "attempt count only; conditions are not configurable"},
		RetryBackoff:   {Level: Unsupported, Note: "no backoff control on upstream retries"},
		Websocket:      {Level: Full},
		Headers:        {Level: Full},
		BodyTransform:  {Level: Partial, Note: "emitted as serverless pre-function Lua"},
		Cache:          {Level: Full},
		LBRoundRobin:   {Level: Full},
		LBLeastConn:    {Level: Full},
		LBIPHash:       {Level: Full},
		LBWeighted:     {Level: Full},
		MultiTarget:    {Level: Full},
		HealthActive:   {Level: Full},
		HealthPassive:  {Level: Full},
		CircuitBreaker: {Level: Full},
	},
	"traefik": {
		AuthBasic:      {Level: Full},
		AuthAPIKey:     {Level: Unsupported, Note: "no API key middleware in the open-source distribution"},
		AuthJWT:        {Level: Unsupported, Note: "JWT middleware is enterprise-only"},
		RateLimit:      {Level: Full},
		RateLimitBurst: {Level: Full},
		CORS:           {Level: Full},
		Timeout:        {Level: Partial, Note: "serversTransport covers dial and response-header timeouts; no send timeout"},
		Retry:          {Level: Partial, Note: "attempt count only; retries on network errors, not status codes"},
		RetryBackoff:   {Level: Partial, Note: "initial interval only"},
		Websocket:      {Level: Full},
		Headers:        {Level: Full},
		BodyTransform:  {Level: Unsupported, Note: "no body rewriting middleware"},
		Cache:          {Level: Unsupported, Note: "no cache middleware in the open-source distribution"},
		LBRoundRobin:   {Level: Full},
		LBLeastConn:    {Level: Unsupported},
		LBIPHash:       {Level: Unsupported, Note: "only cookie-based stickiness"},
		LBWeighted:     {Level: Full},
		MultiTarget:    {Level: Full},
		HealthActive:   {Level: Full},
		HealthPassive:  {Level: Unsupported},
		CircuitBreaker: {Level: Partial, Note: "expression-based breaker; thresholds map to a network error ratio"},
	},
	"envoy": {
		AuthBasic:      {Level: Unsupported, Note: "no stock basic auth filter"},
		AuthAPIKey:     {Level: Unsupported, Note: "requires a custom or contrib filter"},
		AuthJWT:        {Level: Full},
		RateLimit:      {Level: Full},
		RateLimitBurst: {Level: Full},
		CORS:           {Level: Full},
		Timeout:        {Level: Full},
		Retry:          {Level: Full},
		RetryBackoff:   {Level: Full},
		Websocket:      {Level: Full},
		Headers:        {Level: Full},
		BodyTransform:  {Level: Partial, Note: "emitted as a Lua http filter"},
		Cache:          {Level: Unsupported, Note: "cache filter is not production-ready"},
		LBRoundRobin:   {Level: Full},
		LBLeastConn:    {Level: Full},
		LBIPHash:       {Level: Full},
		LBWeighted:     {Level: Full},
		MultiTarget:    {Level: Full},
		HealthActive:   {Level: Full},
		HealthPassive:  {Level: Full},
		CircuitBreaker: {Level: Partial, Note: "circuit_breakers thresholds bound concurrency, not consecutive failures"},
	},
	"azure": {
		AuthBasic:      {Level: Partial, Note: "authentication-basic forwards credentials; the gateway does not verify users"},
		AuthAPIKey:     {Level: Full},
		AuthJWT:        {Level: Full},
		RateLimit:      {Level: Full},
		RateLimitBurst: {Level: Unsupported, Note: "rate-limit-by-key has no burst allowance"},
		CORS:           {Level: Full},
		Timeout:        {Level: Partial, Note: "single forward-request timeout, clamped to 240s"},
		Retry:          {Level: Full},
		RetryBackoff:   {Level: Full},
		Websocket:      {Level: Partial, Note: "websocket APIs are a separate API type"},
		Headers:        {Level: Full},
		BodyTransform:  {Level: Partial, Note: "set-body policy expression rewrites the whole body"},
		Cache:          {Level: Full},
		LBRoundRobin:   {Level: Partial, Note: "no native pool; weighted-random policy shim"},
		LBLeastConn:    {Level: Unsupported},
		LBIPHash:       {Level: Unsupported},
		LBWeighted:     {Level: Partial, Note: "weighted-random policy shim partitions [1,100] across targets"},
		MultiTarget:    {Level: Partial, Note: "emitted as a weighted-random routing shim"},
		HealthActive:   {Level: Unsupported},
		HealthPassive:  {Level: Unsupported},
		CircuitBreaker: {Level: Unsupported, Note: "no breaker in the policy document model"},
	},
	"gcp": {
		AuthBasic:      {Level: Unsupported},
		AuthAPIKey:     {Level: Full},
		AuthJWT:        {Level: Full},
		RateLimit:      {Level: Unsupported, Note: "quotas are project-level metric configuration, not gateway config"},
		RateLimitBurst: {Level: Unsupported},
		CORS:           {Level: Unsupported, Note: "CORS is a gateway deployment flag"},
		Timeout:        {Level: Partial, Note: "single x-google-backend deadline"},
		Retry:          {Level: Unsupported},
		RetryBackoff:   {Level: Unsupported},
		Websocket:      {Level: Unsupported},
		Headers:        {Level: Unsupported},
		BodyTransform:  {Level: Unsupported},
		Cache:          {Level: Unsupported},
		LBRoundRobin:   {Level: Unsupported, Note: "single backend address only"},
		LBLeastConn:    {Level: Unsupported},
		LBIPHash:       {Level: Unsupported},
		LBWeighted:     {Level: Unsupported},
		MultiTarget:    {Level: Unsupported, Note: "x-google-backend takes one address"},
		HealthActive:   {Level: Unsupported},
		HealthPassive:  {Level: Unsupported},
		CircuitBreaker: {Level: Unsupported},
	},
}

// Capability returns the support rating for a feature under a provider.
// Unknown providers or features rate Unsupported.
func Capability(provider string, f Feature) Support {
	if s, ok := matrix[provider][f]; ok {
		return s
	}
	return Support{Level: Unsupported, Note: fmt.Sprintf("no capability entry for %s", f)}
}

// ListCapabilities returns every feature rating for a provider, sorted by
// feature name for stable coverage reports.
func ListCapabilities(provider string) []FeatureSupport {
	rows, ok := matrix[provider]
	if !ok {
		return nil
	}
	out := make([]FeatureSupport, 0, len(rows))
	for _, f := range allFeatures {
		s := rows[f]
		out = append(out, FeatureSupport{Feature: f, Level: s.Level, Note: s.Note})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

// Providers returns the known provider identifiers, sorted.
func Providers() []string {
	out := make([]string, 0, len(matrix))
	for p := range matrix {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Features returns every matrix row identifier.
func Features() []Feature {
	out := make([]Feature, len(allFeatures))
	copy(out, allFeatures)
	return out
}
