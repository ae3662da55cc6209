package variantz

import (
	"log/slog"
	"maps"
)

type (
	// TrackingCallback fires once per experiment and variation a context
	// assigns a user to.
	TrackingCallback func(experiment Experiment, result ExperimentResult) error
	// UsageCallback fires once per feature key and resolved value.
	UsageCallback func(key string, result FeatureResult) error
	// Observer sees every evaluation, deduplicated or not.
	Observer func(evaluation Evaluation)
	// CallbackFailureHook receives the error or recovered panic of a failed
	// callback after it has been logged.
	CallbackFailureHook func(callback string, err error)
)

// Option configures a [Context].
type Option func(*options)

type options struct {
	features         FeatureMap
	attributes       Attributes
	tracking         TrackingCallback
	usage            UsageCallback
	observer         Observer
	onFailure        CallbackFailureHook
	logger           *slog.Logger
	historySize      int
	enabled          bool
	qaMode           bool
	forcedVariations map[string]int
	decryptionKey    string
}

func defaultOptions() options {
	return options{
		enabled: true,
		logger:  slog.Default(),
	}
}

func WithFeatures(features FeatureMap) Option {
	return func(o *options) {
		o.features = features
	}
}

func WithAttributes(attributes Attributes) Option {
	return func(o *options) {
		o.attributes = attributes
	}
}

func WithTrackingCallback(callback TrackingCallback) Option {
	return func(o *options) {
		o.tracking = callback
	}
}

func WithFeatureUsageCallback(callback UsageCallback) Option {
	return func(o *options) {
		o.usage = callback
	}
}

// WithObserver registers a hook that receives every evaluation record.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

func WithCallbackFailureHook(hook CallbackFailureHook) Option {
	return func(o *options) {
		o.onFailure = hook
	}
}

// WithLogger sets the logger used for callback and payload failures. A nil
// logger keeps [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHistory keeps the last size evaluations for [Context.RecentEvaluations].
func WithHistory(size int) Option {
	return func(o *options) {
		o.historySize = size
	}
}

// WithEnabled(false) keeps every user out of every experiment.
func WithEnabled(enabled bool) Option {
	return func(o *options) {
		o.enabled = enabled
	}
}

// WithQAMode keeps users out of experiments unless a variation is forced.
func WithQAMode(qaMode bool) Option {
	return func(o *options) {
		o.qaMode = qaMode
	}
}

// WithForcedVariations pins experiment keys to variation indexes.
func WithForcedVariations(forced map[string]int) Option {
	return func(o *options) {
		o.forcedVariations = maps.Clone(forced)
	}
}

// WithDecryptionKey sets the base64 AES key used by [Context.LoadPayload].
func WithDecryptionKey(key string) Option {
	return func(o *options) {
		o.decryptionKey = key
	}
}
