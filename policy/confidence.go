package policy

import (
	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/classifier/logistic"
	"github.com/sw965/bandit/oracle"
	"github.com/sw965/bandit/prior"
	"gonum.org/v1/gonum/mat"
)

type BootstrapConfig struct {
	NSamples int `validate:"gt=0"`
	// BootstrapWeights approximates resampling under PartialFit: "gamma" or "poisson".
	BootstrapWeights string `validate:"omitempty,oneof=gamma poisson"`
	// NJobsSamples is the number of workers fitting the replicas of one arm.
	NJobsSamples int `validate:"gte=0"`
}

func (c BootstrapConfig) estimatorBuilder(mode oracle.ScoreMode, percentile float64, sampleUnique bool) (builder, error) {
	weights, err := prior.ParseWeightMethod(c.BootstrapWeights)
	if err != nil {
		return nil, configError("%v", err)
	}
	return func(clf classifier.Classifier, batch bool) (oracle.Estimator, error) {
		replicas := make([]*oracle.Single, c.NSamples)
		for i := range replicas {
			r, err := oracle.NewSingle(clf.Clone(), batch)
			if err != nil {
				return nil, err
			}
			replicas[i] = r
		}
		boot, err := oracle.NewBootstrapped(replicas, mode, percentile, weights, c.NJobsSamples)
		if err != nil {
			return nil, err
		}
		boot.SampleUnique = sampleUnique
		return boot, nil
	}, nil
}

type BootstrappedUCBConfig struct {
	BaseConfig
	BootstrapConfig
	Percentile float64 `validate:"percentile"`
}

func DefaultBootstrappedUCBConfig() BootstrappedUCBConfig {
	return BootstrappedUCBConfig{
		BootstrapConfig: BootstrapConfig{NSamples: 10, BootstrapWeights: "gamma", NJobsSamples: 1},
		Percentile:      80,
	}
}

// BootstrappedUCB plays the arm with the highest percentile of its replica scores.
type BootstrappedUCB struct {
	*Base
	Config BootstrappedUCBConfig
}

func NewBootstrappedUCB(src oracle.Source, cfg BootstrappedUCBConfig) (*BootstrappedUCB, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	build, err := cfg.estimatorBuilder(oracle.UpperConfidence, cfg.Percentile, false)
	if err != nil {
		return nil, err
	}
	b, err := newBase("bootstrapped_ucb", cfg.BaseConfig, src, build, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &BootstrappedUCB{Base: b, Config: cfg}, nil
}

func (p *BootstrappedUCB) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

type BootstrappedTSConfig struct {
	BaseConfig
	BootstrapConfig
	// SampleUnique draws a replica per row instead of one per call.
	SampleUnique bool
}

func DefaultBootstrappedTSConfig() BootstrappedTSConfig {
	return BootstrappedTSConfig{
		BootstrapConfig: BootstrapConfig{NSamples: 10, BootstrapWeights: "gamma", NJobsSamples: 1},
		SampleUnique:    true,
	}
}

// BootstrappedTS plays the best arm under randomly drawn replicas.
type BootstrappedTS struct {
	*Base
	Config BootstrappedTSConfig
}

func NewBootstrappedTS(src oracle.Source, cfg BootstrappedTSConfig) (*BootstrappedTS, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	build, err := cfg.estimatorBuilder(oracle.ThompsonSampling, 0, cfg.SampleUnique)
	if err != nil {
		return nil, err
	}
	b, err := newBase("bootstrapped_ts", cfg.BaseConfig, src, build, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &BootstrappedTS{Base: b, Config: cfg}, nil
}

func (p *BootstrappedTS) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

type LogisticUCBConfig struct {
	BaseConfig
	Percentile float64 `validate:"gt=0,lt=100"`
	Model      logistic.Config
}

func DefaultLogisticUCBConfig() LogisticUCBConfig {
	return LogisticUCBConfig{Percentile: 80, Model: logistic.DefaultConfig()}
}

func checkLogistic(cfg logistic.Config) error {
	if cfg.Lambda <= 0 {
		return configError("logistic regularization must be positive, got %g", cfg.Lambda)
	}
	if err := cfg.Validate(); err != nil {
		return configError("%v", err)
	}
	return nil
}

func laplaceBuilder(model logistic.Config, mode oracle.ScoreMode, percentile, v float64) builder {
	return func(_ classifier.Classifier, _ bool) (oracle.Estimator, error) {
		m, err := logistic.New(model)
		if err != nil {
			return nil, err
		}
		return oracle.NewLaplace(m, mode, percentile, v)
	}
}

// LogisticUCB scores arms with an upper quantile of the Laplace-approximated
// posterior of a built-in logistic regression.
type LogisticUCB struct {
	*Base
	Config LogisticUCBConfig
}

func NewLogisticUCB(cfg LogisticUCBConfig) (*LogisticUCB, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	if err := checkLogistic(cfg.Model); err != nil {
		return nil, err
	}
	b, err := newBase("logistic_ucb", cfg.BaseConfig, oracle.Source{},
		laplaceBuilder(cfg.Model, oracle.UpperConfidence, cfg.Percentile, 0),
		baseOptions{classifierFree: true, alwaysBatch: true, warmStart: cfg.Model.WarmStartFlag},
	)
	if err != nil {
		return nil, err
	}
	return &LogisticUCB{Base: b, Config: cfg}, nil
}

func (p *LogisticUCB) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

type LogisticTSConfig struct {
	BaseConfig
	// V scales the posterior covariance to v²Σ.
	V     float64 `validate:"gte=0"`
	Model logistic.Config
}

func DefaultLogisticTSConfig() LogisticTSConfig {
	return LogisticTSConfig{V: 1.0, Model: logistic.DefaultConfig()}
}

// LogisticTS scores arms with coefficients drawn from the Laplace-approximated posterior.
type LogisticTS struct {
	*Base
	Config LogisticTSConfig
}

func NewLogisticTS(cfg LogisticTSConfig) (*LogisticTS, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	if err := checkLogistic(cfg.Model); err != nil {
		return nil, err
	}
	b, err := newBase("logistic_ts", cfg.BaseConfig, oracle.Source{},
		laplaceBuilder(cfg.Model, oracle.ThompsonSampling, 50, cfg.V),
		baseOptions{classifierFree: true, alwaysBatch: true, warmStart: cfg.Model.WarmStartFlag},
	)
	if err != nil {
		return nil, err
	}
	return &LogisticTS{Base: b, Config: cfg}, nil
}

func (p *LogisticTS) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

type LinearConfig struct {
	Lambda       float64 `validate:"gt=0"`
	FitIntercept bool
	// Method is "chol" or "sm".
	Method string `validate:"omitempty,oneof=chol sm"`
}

func (c LinearConfig) estimatorBuilder(mode oracle.ScoreMode, alpha, v float64) (builder, error) {
	method, err := oracle.ParseLinearMethod(c.Method)
	if err != nil {
		return nil, configError("%v", err)
	}
	return func(_ classifier.Classifier, _ bool) (oracle.Estimator, error) {
		return oracle.NewLinear(c.Lambda, alpha, v, c.FitIntercept, method, mode)
	}, nil
}

func newLinearBase(policy string, cfg BaseConfig, build builder) (*Base, error) {
	if cfg.RefitBuffer > 0 {
		return nil, configError("linear policies keep sufficient statistics and take no refit buffer")
	}
	return newBase(policy, cfg, oracle.Source{}, build, baseOptions{classifierFree: true, alwaysBatch: true})
}

type LinUCBConfig struct {
	BaseConfig
	LinearConfig
	Alpha float64 `validate:"gte=0"`
}

func DefaultLinUCBConfig() LinUCBConfig {
	return LinUCBConfig{
		LinearConfig: LinearConfig{Lambda: 1.0, FitIntercept: true, Method: "sm"},
		Alpha:        1.0,
	}
}

// LinUCB scores arms with a ridge regression plus Alpha standard deviations.
type LinUCB struct {
	*Base
	Config LinUCBConfig
}

func NewLinUCB(cfg LinUCBConfig) (*LinUCB, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	build, err := cfg.estimatorBuilder(oracle.UpperConfidence, cfg.Alpha, 0)
	if err != nil {
		return nil, err
	}
	b, err := newLinearBase("lin_ucb", cfg.BaseConfig, build)
	if err != nil {
		return nil, err
	}
	return &LinUCB{Base: b, Config: cfg}, nil
}

func (p *LinUCB) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

type LinTSConfig struct {
	BaseConfig
	LinearConfig
	// V scales the coefficient covariance to v²A⁻¹.
	V float64 `validate:"gte=0"`
}

func DefaultLinTSConfig() LinTSConfig {
	return LinTSConfig{
		LinearConfig: LinearConfig{Lambda: 1.0, FitIntercept: true, Method: "sm"},
		V:            1.0,
	}
}

// LinTS scores arms with ridge coefficients drawn from N(θ, v²A⁻¹) once per call.
type LinTS struct {
	*Base
	Config LinTSConfig
}

func NewLinTS(cfg LinTSConfig) (*LinTS, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	build, err := cfg.estimatorBuilder(oracle.ThompsonSampling, 0, cfg.V)
	if err != nil {
		return nil, err
	}
	b, err := newLinearBase("lin_ts", cfg.BaseConfig, build)
	if err != nil {
		return nil, err
	}
	return &LinTS{Base: b, Config: cfg}, nil
}

func (p *LinTS) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}
