// Package driver orchestrates a compilation: load IR, validate, select the
// provider plugin, map, serialize. One Result per invocation; the driver
// holds no state between calls and performs no I/O beyond logging.
package driver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/logging"
	"github.com/wudi/crossgw/internal/provider"
)

// State is the furthest pipeline stage a compilation reached.
type State string

const (
	StateInitial    State = "initial"
	StateLoaded     State = "loaded"
	StateValidated  State = "validated"
	StateMapped     State = "mapped"
	StateSerialized State = "serialized"
)

// Status is the terminal outcome of a compilation.
type Status string

const (
	Success Status = "success"
	// PartialSuccess means output was produced but at least one capability
	// warning or advisory finding accompanies it.
	PartialSuccess Status = "partial_success"
	Failure        Status = "failure"
)

// Options selects the target and softens chosen validation rules.
type Options struct {
	Provider string
	// AdvisoryRules downgrades the named downgradable validation rules from
	// fatal to advisory.
	AdvisoryRules []string
	Logger        *zap.Logger
}

func (o *Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Global()
}

// Result is the outcome of one compilation.
type Result struct {
	State    State
	Status   Status
	Output   []byte
	Document *ir.Document // populated on import
	Warnings []provider.Warning
	Findings []ir.ValidationError
	Err      error
}

// Export compiles an IR document (YAML or JSON bytes) into provider-native
// configuration text.
func Export(input []byte, opts Options) *Result {
	log := opts.logger().With(zap.String("provider", opts.Provider), zap.String("direction", "export"))
	res := &Result{State: StateInitial, Status: Failure}

	doc, err := ir.NewLoader().Parse(input)
	if err != nil {
		res.Err = err
		log.Error("load failed", zap.Error(err))
		return res
	}
	res.State = StateLoaded
	log.Debug("document loaded", zap.Int("services", len(doc.Services)))

	res.Findings = ir.NewValidator(opts.AdvisoryRules...).Validate(doc)
	res.State = StateValidated
	if ir.HasFatal(res.Findings) {
		res.Err = fmt.Errorf("document has fatal validation errors")
		log.Error("validation failed", zap.Int("findings", len(res.Findings)))
		return res
	}
	log.Debug("document validated", zap.Int("findings", len(res.Findings)))

	plugin, ok := provider.Get(opts.Provider)
	if !ok {
		res.Err = fmt.Errorf("unknown provider %q", opts.Provider)
		log.Error("provider lookup failed", zap.Error(res.Err))
		return res
	}

	output, warnings, err := plugin.Export(doc)
	res.Warnings = warnings
	if err != nil {
		res.State = StateMapped
		res.Err = err
		log.Error("export failed", zap.Error(err))
		return res
	}
	res.State = StateSerialized
	res.Output = output
	res.Status = status(res)
	log.Info("export complete",
		zap.String("status", string(res.Status)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("bytes", len(output)))
	return res
}

// Import compiles provider-native configuration text back into a canonical
// IR document, returned both as a value and as serialized YAML.
func Import(input []byte, opts Options) *Result {
	log := opts.logger().With(zap.String("provider", opts.Provider), zap.String("direction", "import"))
	res := &Result{State: StateInitial, Status: Failure}

	plugin, ok := provider.Get(opts.Provider)
	if !ok {
		res.Err = fmt.Errorf("unknown provider %q", opts.Provider)
		log.Error("provider lookup failed", zap.Error(res.Err))
		return res
	}
	res.State = StateLoaded

	doc, warnings, err := plugin.Import(input)
	res.Warnings = warnings
	if err != nil {
		res.Err = err
		log.Error("import failed", zap.Error(err))
		return res
	}
	res.State = StateMapped
	res.Document = doc
	log.Debug("native config mapped", zap.Int("services", len(doc.Services)))

	// Imported documents go through the same validator; a plugin that maps a
	// well-formed native config into invalid IR is a bug worth surfacing.
	res.Findings = ir.NewValidator(opts.AdvisoryRules...).Validate(doc)
	res.State = StateValidated
	if ir.HasFatal(res.Findings) {
		res.Err = fmt.Errorf("imported document has fatal validation errors")
		log.Error("validation failed", zap.Int("findings", len(res.Findings)))
		return res
	}

	output, err := ir.MarshalYAML(doc)
	if err != nil {
		res.Err = err
		log.Error("serialization failed", zap.Error(err))
		return res
	}
	res.State = StateSerialized
	res.Output = output
	res.Status = status(res)
	log.Info("import complete",
		zap.String("status", string(res.Status)),
		zap.Int("warnings", len(res.Warnings)))
	return res
}

// status rates a completed compilation: any warning or advisory finding
// downgrades success to partial.
func status(res *Result) Status {
	if len(res.Warnings) > 0 || len(res.Findings) > 0 {
		return PartialSuccess
	}
	return Success
}
