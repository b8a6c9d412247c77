// Package config reads policy definitions from YAML and builds the matching policy.
//
// Example:
//
//	policy: adaptive_greedy
//	names: [red, green, blue]
//	prior: auto
//	batch_train: true
//	refit_buffer: 200
//	window_size: 250
//	seed: 42
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/oracle"
	"github.com/sw965/bandit/policy"
	"github.com/sw965/bandit/prior"
	"gopkg.in/yaml.v3"
)

const (
	SeparateClassifiers = "separate_classifiers"
	EpsilonGreedy       = "epsilon_greedy"
	AdaptiveGreedy      = "adaptive_greedy"
	ExploreFirst        = "explore_first"
	ActiveExplorer      = "active_explorer"
	SoftmaxExplorer     = "softmax_explorer"
	BootstrappedUCB     = "bootstrapped_ucb"
	BootstrappedTS      = "bootstrapped_ts"
	LogisticUCB         = "logistic_ucb"
	LogisticTS          = "logistic_ts"
	LinUCB              = "lin_ucb"
	LinTS               = "lin_ts"
)

var validate = validator.New()

// Prior is written either as the scalar "auto" or as {a, b, n}.
type Prior struct {
	Auto bool
	A    float64 `yaml:"a"`
	B    float64 `yaml:"b"`
	N    int     `yaml:"n"`
}

func (p *Prior) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		switch value.Value {
		case "auto":
			*p = Prior{Auto: true}
			return nil
		case "none", "":
			*p = Prior{}
			return nil
		default:
			return fmt.Errorf("line %d: prior must be \"auto\", \"none\" or {a, b, n}, got %q", value.Line, value.Value)
		}
	}
	var raw struct {
		A float64 `yaml:"a"`
		B float64 `yaml:"b"`
		N int     `yaml:"n"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Prior{A: raw.A, B: raw.B, N: raw.N}
	return nil
}

func (p *Prior) spec() prior.Spec {
	switch {
	case p == nil:
		return prior.None()
	case p.Auto:
		return prior.Auto()
	case p.A == 0 && p.B == 0 && p.N == 0:
		return prior.None()
	default:
		return prior.Explicit(p.A, p.B, p.N)
	}
}

type Smoothing struct {
	A float64 `yaml:"a" validate:"gte=0"`
	B float64 `yaml:"b" validate:"gt=0"`
}

// Config mirrors the policy constructors. Unset optional fields keep the
// defaults of the chosen policy.
type Config struct {
	Policy string   `yaml:"policy" validate:"required,oneof=separate_classifiers epsilon_greedy adaptive_greedy explore_first active_explorer softmax_explorer bootstrapped_ucb bootstrapped_ts logistic_ucb logistic_ts lin_ucb lin_ts"`
	Arms   int      `yaml:"arms" validate:"gte=0"`
	Names  []string `yaml:"names" validate:"omitempty,unique,dive,required"`

	Prior              *Prior     `yaml:"prior"`
	Smoothing          *Smoothing `yaml:"smoothing"`
	OneClass           string     `yaml:"one_class" validate:"omitempty,oneof=zero random"`
	BatchTrain         bool       `yaml:"batch_train"`
	RefitBuffer        int        `yaml:"refit_buffer" validate:"gte=0"`
	AssumeUniqueReward bool       `yaml:"assume_unique_reward"`
	NJobs              int        `yaml:"njobs"`
	Seed               *uint64    `yaml:"seed"`

	ExploreProb      *float64 `yaml:"explore_prob" validate:"omitempty,gte=0,lte=1"`
	Decay            *float64 `yaml:"decay" validate:"omitempty,gt=0,lte=1"`
	WindowSize       *int     `yaml:"window_size" validate:"omitempty,gt=0"`
	Percentile       *float64 `yaml:"percentile" validate:"omitempty,gte=0,lte=100"`
	DecayType        *string  `yaml:"decay_type" validate:"omitempty,oneof=percentile threshold"`
	InitialThreshold *float64 `yaml:"initial_threshold" validate:"omitempty,gte=0"`
	FixedThreshold   bool     `yaml:"fixed_threshold"`
	ActiveChoice     string   `yaml:"active_choice" validate:"omitempty,oneof=min max weighted"`
	ExploreRounds    *int     `yaml:"explore_rounds" validate:"omitempty,gte=0"`
	GradCrit         *string  `yaml:"grad_crit" validate:"omitempty,oneof=min max weighted"`
	Multiplier       *float64 `yaml:"multiplier" validate:"omitempty,gt=0"`
	InflationRate    *float64 `yaml:"inflation_rate" validate:"omitempty,gt=0"`
	NSamples         *int     `yaml:"nsamples" validate:"omitempty,gt=0"`
	BootstrapWeights *string  `yaml:"bootstrap_weights" validate:"omitempty,oneof=gamma poisson"`
	NJobsSamples     *int     `yaml:"njobs_samples" validate:"omitempty,gte=0"`
	SampleUnique     *bool    `yaml:"sample_unique"`
	Alpha            *float64 `yaml:"alpha" validate:"omitempty,gte=0"`
	Lambda           *float64 `yaml:"lambda" validate:"omitempty,gt=0"`
	FitIntercept     *bool    `yaml:"fit_intercept"`
	Method           *string  `yaml:"method" validate:"omitempty,oneof=chol sm"`
	V                *float64 `yaml:"v" validate:"omitempty,gte=0"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes one YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty configuration", policy.ErrConfig)
		}
		return nil, fmt.Errorf("%w: %w", policy.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", policy.ErrConfig, err)
	}
	return nil
}

// Runtime carries what cannot be written in YAML.
type Runtime struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Rand overrides Seed when set.
	Rand *rand.Rand
}

func (c *Config) base(rt Runtime) policy.BaseConfig {
	var smoothing *prior.Smoothing
	if c.Smoothing != nil {
		smoothing = &prior.Smoothing{A: c.Smoothing.A, B: c.Smoothing.B}
	}
	oneClass := oracle.OneClassConstant
	if c.OneClass == "random" {
		oneClass = oracle.OneClassRandom
	}
	rng := rt.Rand
	if rng == nil && c.Seed != nil {
		rng = randx.New(*c.Seed)
	}
	return policy.BaseConfig{
		NArms:              c.Arms,
		Names:              c.Names,
		Prior:              c.Prior.spec(),
		Smoothing:          smoothing,
		OneClass:           oneClass,
		BatchTrain:         c.BatchTrain,
		RefitBuffer:        c.RefitBuffer,
		AssumeUniqueReward: c.AssumeUniqueReward,
		NJobs:              c.NJobs,
		Rand:               rng,
		Logger:             rt.Logger,
		Registerer:         rt.Registerer,
	}
}

func override[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Build constructs the configured policy. src is ignored by the logistic and
// linear policies, which carry their own models.
func (c *Config) Build(src oracle.Source, rt Runtime) (policy.Policy, error) {
	base := c.base(rt)
	switch c.Policy {
	case SeparateClassifiers:
		return asPolicy(policy.NewSeparateClassifiers(src, base))
	case EpsilonGreedy:
		cfg := policy.DefaultEpsilonGreedyConfig()
		cfg.BaseConfig = base
		override(&cfg.ExploreProb, c.ExploreProb)
		override(&cfg.Decay, c.Decay)
		return asPolicy(policy.NewEpsilonGreedy(src, cfg))
	case AdaptiveGreedy:
		cfg := policy.DefaultAdaptiveGreedyConfig()
		cfg.BaseConfig = base
		override(&cfg.WindowSize, c.WindowSize)
		override(&cfg.Percentile, c.Percentile)
		override(&cfg.Decay, c.Decay)
		override(&cfg.DecayType, c.DecayType)
		cfg.InitialThreshold = c.InitialThreshold
		cfg.FixedThreshold = c.FixedThreshold
		cfg.ActiveChoice = c.ActiveChoice
		return asPolicy(policy.NewAdaptiveGreedy(src, cfg))
	case ExploreFirst:
		cfg := policy.DefaultExploreFirstConfig()
		cfg.BaseConfig = base
		override(&cfg.ExploreRounds, c.ExploreRounds)
		return asPolicy(policy.NewExploreFirst(src, cfg))
	case ActiveExplorer:
		cfg := policy.DefaultActiveExplorerConfig()
		cfg.BaseConfig = base
		override(&cfg.ExploreProb, c.ExploreProb)
		override(&cfg.Decay, c.Decay)
		override(&cfg.GradCrit, c.GradCrit)
		return asPolicy(policy.NewActiveExplorer(src, cfg))
	case SoftmaxExplorer:
		cfg := policy.DefaultSoftmaxExplorerConfig()
		cfg.BaseConfig = base
		override(&cfg.Multiplier, c.Multiplier)
		override(&cfg.InflationRate, c.InflationRate)
		return asPolicy(policy.NewSoftmaxExplorer(src, cfg))
	case BootstrappedUCB:
		cfg := policy.DefaultBootstrappedUCBConfig()
		cfg.BaseConfig = base
		c.bootstrap(&cfg.BootstrapConfig)
		override(&cfg.Percentile, c.Percentile)
		return asPolicy(policy.NewBootstrappedUCB(src, cfg))
	case BootstrappedTS:
		cfg := policy.DefaultBootstrappedTSConfig()
		cfg.BaseConfig = base
		c.bootstrap(&cfg.BootstrapConfig)
		override(&cfg.SampleUnique, c.SampleUnique)
		return asPolicy(policy.NewBootstrappedTS(src, cfg))
	case LogisticUCB:
		cfg := policy.DefaultLogisticUCBConfig()
		cfg.BaseConfig = base
		override(&cfg.Percentile, c.Percentile)
		override(&cfg.Model.Lambda, c.Lambda)
		override(&cfg.Model.FitIntercept, c.FitIntercept)
		return asPolicy(policy.NewLogisticUCB(cfg))
	case LogisticTS:
		cfg := policy.DefaultLogisticTSConfig()
		cfg.BaseConfig = base
		override(&cfg.V, c.V)
		override(&cfg.Model.Lambda, c.Lambda)
		override(&cfg.Model.FitIntercept, c.FitIntercept)
		return asPolicy(policy.NewLogisticTS(cfg))
	case LinUCB:
		cfg := policy.DefaultLinUCBConfig()
		cfg.BaseConfig = base
		c.linear(&cfg.LinearConfig)
		override(&cfg.Alpha, c.Alpha)
		return asPolicy(policy.NewLinUCB(cfg))
	case LinTS:
		cfg := policy.DefaultLinTSConfig()
		cfg.BaseConfig = base
		c.linear(&cfg.LinearConfig)
		override(&cfg.V, c.V)
		return asPolicy(policy.NewLinTS(cfg))
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", policy.ErrConfig, c.Policy)
	}
}

func asPolicy[P policy.Policy](p P, err error) (policy.Policy, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Config) bootstrap(dst *policy.BootstrapConfig) {
	override(&dst.NSamples, c.NSamples)
	override(&dst.BootstrapWeights, c.BootstrapWeights)
	override(&dst.NJobsSamples, c.NJobsSamples)
}

func (c *Config) linear(dst *policy.LinearConfig) {
	override(&dst.Lambda, c.Lambda)
	override(&dst.FitIntercept, c.FitIntercept)
	override(&dst.Method, c.Method)
}
