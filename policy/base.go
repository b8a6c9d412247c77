// Package policy implements contextual-bandit policies on top of per-arm oracles.
//
// Every policy starts unfitted. Predict on an unfitted policy picks arms
// uniformly at random; every other scoring method returns ErrNotFitted.
package policy

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/metrics"
	"github.com/sw965/bandit/oracle"
	"github.com/sw965/bandit/prior"
	"github.com/sw965/omw/slicesx"
	"gonum.org/v1/gonum/mat"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("percentile", func(fl validator.FieldLevel) bool {
		p := fl.Field().Float()
		return p >= 0 && p <= 100
	})
}

// BaseConfig is shared by every policy. Either NArms or Names must be given.
type BaseConfig struct {
	NArms int      `validate:"gte=0"`
	Names []string `validate:"omitempty,unique,dive,required"`

	Prior     prior.Spec
	Smoothing *prior.Smoothing
	OneClass  oracle.OneClassMode

	BatchTrain         bool
	RefitBuffer        int `validate:"gte=0"`
	AssumeUniqueReward bool
	// NJobs bounds how many arms are processed at once. Zero or less uses every CPU.
	NJobs int

	Rand       *rand.Rand            `validate:"-"`
	Logger     *slog.Logger          `validate:"-"`
	Registerer prometheus.Registerer `validate:"-"`
}

func configError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, a...))
}

func checkStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

func (c BaseConfig) Validate() error {
	if err := checkStruct(c); err != nil {
		return err
	}
	if c.NArms == 0 && len(c.Names) == 0 {
		return configError("either NArms or Names must be set")
	}
	if c.NArms != 0 && len(c.Names) != 0 && c.NArms != len(c.Names) {
		return configError("NArms is %d but %d names were given", c.NArms, len(c.Names))
	}
	if k := max(c.NArms, len(c.Names)); k < 2 {
		return configError("a policy needs at least 2 arms, got %d", k)
	}
	if c.Smoothing != nil {
		if err := c.Smoothing.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if c.Prior.Kind != prior.KindNone {
			return configError("a beta prior and smoothing cannot be combined")
		}
	}
	if c.RefitBuffer > 0 && !c.BatchTrain {
		return configError("RefitBuffer needs BatchTrain")
	}
	return nil
}

func (c BaseConfig) armNames() []string {
	if len(c.Names) != 0 {
		return slices.Clone(c.Names)
	}
	names := make([]string, c.NArms)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

// builder turns one classifier into an arm estimator. Policies that do not
// wrap a classifier receive nil.
type builder func(c classifier.Classifier, batch bool) (oracle.Estimator, error)

func singleBuilder(c classifier.Classifier, batch bool) (oracle.Estimator, error) {
	return oracle.NewSingle(c, batch)
}

// Prediction holds one chosen arm per row and the score of that arm.
// Random is set when the policy was unfitted and the arms were drawn uniformly.
type Prediction struct {
	Choices []int
	Scores  []float64
	Random  bool
}

type Policy interface {
	Fit(X mat.Matrix, actions []int, rewards []float64, warmStart bool) error
	PartialFit(X mat.Matrix, actions []int, rewards []float64) error
	Predict(X mat.Matrix, exploit bool) (Prediction, error)
	DecisionFunction(X mat.Matrix) (*mat.Dense, error)
	Exploit(X mat.Matrix) (*mat.Dense, error)
	TopN(X mat.Matrix, n int) ([][]int, error)
	AddArm(spec ArmSpec) error
	DropArm(arm int) error
	NArms() int
	ArmName(arm int) (string, error)
	ArmIndex(name string) (int, error)
	IsFitted() bool
	HasWarmStart() bool
}

// Base is the state shared by every policy.
type Base struct {
	Config BaseConfig

	policy    string
	names     []string
	rng       *rand.Rand
	logger    *slog.Logger
	metrics   *metrics.Collector
	src       oracle.Source
	build     builder
	batch     bool
	ecfg      oracle.Config
	ensemble  *oracle.Ensemble
	nFeatures int
	fitted    bool
	warmStart bool
}

type baseOptions struct {
	// classifierFree policies build their own estimators and ignore the source.
	classifierFree bool
	alwaysBatch    bool
	warmStart      bool
}

func newBase(policy string, cfg BaseConfig, src oracle.Source, build builder, opts baseOptions) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	names := cfg.armNames()
	k := len(names)

	if !opts.classifierFree {
		if err := src.Validate(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if _, err := classifier.NewScorer(src.Any()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if cfg.BatchTrain && !classifier.CanPartialFit(src.Any()) {
			return nil, configError("BatchTrain needs a classifier with PartialFit, %T has none", src.Any())
		}
	}

	beta, ok, err := cfg.Prior.Resolve(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	var betaPtr *prior.Beta
	if ok {
		betaPtr = &beta
	}

	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Base{
		Config:  cfg,
		policy:  policy,
		names:   names,
		rng:     randx.OrGlobal(cfg.Rand),
		logger:  logger,
		metrics: m,
		src:     src,
		build:   build,
		batch:   cfg.BatchTrain || opts.alwaysBatch,
		ecfg: oracle.Config{
			Prior:              betaPtr,
			Smoothing:          cfg.Smoothing,
			OneClass:           cfg.OneClass,
			RefitBuffer:        cfg.RefitBuffer,
			AssumeUniqueReward: cfg.AssumeUniqueReward,
			NJobs:              cfg.NJobs,
		},
		warmStart: opts.warmStart,
	}
	if b.ensemble, err = b.newEnsemble(nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	b.metrics.SetArms(b.policy, k)
	return b, nil
}

func (b *Base) factory(i int) (oracle.Estimator, error) {
	if b.src.IsZero() {
		return b.build(nil, b.batch)
	}
	return b.build(b.src.For(i), b.batch)
}

func (b *Base) newEnsemble(warm []oracle.Estimator) (*oracle.Ensemble, error) {
	return oracle.NewEnsemble(b.ecfg, b.names, b.factory, warm, b.rng)
}

func (b *Base) NArms() int {
	return len(b.names)
}

func (b *Base) Names() []string {
	return slices.Clone(b.names)
}

func (b *Base) ArmName(arm int) (string, error) {
	if arm < 0 || arm >= len(b.names) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownArm, arm)
	}
	return b.names[arm], nil
}

func (b *Base) ArmIndex(name string) (int, error) {
	i := slices.Index(b.names, name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q", ErrUnknownArm, name)
	}
	return i, nil
}

// Actions maps arm names to indices.
func (b *Base) Actions(names []string) ([]int, error) {
	actions := make([]int, len(names))
	for i, name := range names {
		a, err := b.ArmIndex(name)
		if err != nil {
			return nil, err
		}
		actions[i] = a
	}
	return actions, nil
}

func (b *Base) IsFitted() bool {
	return b.fitted
}

func (b *Base) HasWarmStart() bool {
	return b.warmStart
}

func (b *Base) Ensemble() *oracle.Ensemble {
	return b.ensemble
}

func (b *Base) input(X mat.Matrix) (*mat.Dense, error) {
	if X == nil {
		return nil, fmt.Errorf("%w: X is nil", ErrDimension)
	}
	_, cols := X.Dims()
	if b.nFeatures != 0 && cols != b.nFeatures {
		return nil, fmt.Errorf("%w: X has %d columns, policy was fitted on %d", ErrDimension, cols, b.nFeatures)
	}
	return mat.DenseCopyOf(X), nil
}

func (b *Base) checkFeedback(x *mat.Dense, actions []int, rewards []float64) error {
	n, _ := x.Dims()
	if len(actions) != n || len(rewards) != n {
		return fmt.Errorf("%w: X has %d rows, got %d actions and %d rewards", ErrDimension, n, len(actions), len(rewards))
	}
	for i, a := range actions {
		if a < 0 || a >= len(b.names) {
			return fmt.Errorf("%w: action %d at row %d", ErrUnknownArm, a, i)
		}
	}
	return nil
}

// Fit rebuilds every arm from scratch on the given history. With warmStart,
// arms start from the previous coefficients when HasWarmStart is true.
func (b *Base) Fit(X mat.Matrix, actions []int, rewards []float64, warmStart bool) error {
	start := time.Now()
	if X == nil {
		return fmt.Errorf("%w: X is nil", ErrDimension)
	}
	x := mat.DenseCopyOf(X)
	if err := b.checkFeedback(x, actions, rewards); err != nil {
		return err
	}

	var warm []oracle.Estimator
	if warmStart && b.warmStart && b.fitted {
		warm = b.ensemble.Estimators()
	}
	ens, err := b.newEnsemble(warm)
	if err != nil {
		return err
	}
	if err := ens.Fit(x, actions, rewards); err != nil {
		return err
	}

	n, cols := x.Dims()
	b.ensemble = ens
	b.nFeatures = cols
	b.fitted = true
	b.metrics.ObserveFit(b.policy, metrics.KindFull, start)
	b.logger.Debug("policy fitted",
		slog.String("policy", b.policy),
		slog.Int("rows", n),
		slog.Int("arms", len(b.names)),
		slog.Bool("warm_start", warm != nil),
	)
	return nil
}

// PartialFit updates the arms that received rows. It requires BatchTrain.
func (b *Base) PartialFit(X mat.Matrix, actions []int, rewards []float64) error {
	if !b.batch {
		return ErrBatchRequired
	}
	start := time.Now()
	x, err := b.input(X)
	if err != nil {
		return err
	}
	if err := b.checkFeedback(x, actions, rewards); err != nil {
		return err
	}
	if err := b.ensemble.PartialFit(x, actions, rewards); err != nil {
		return err
	}

	n, cols := x.Dims()
	b.nFeatures = cols
	b.fitted = true
	b.metrics.ObserveFit(b.policy, metrics.KindPartial, start)
	b.logger.Debug("policy partially fitted",
		slog.String("policy", b.policy),
		slog.Int("rows", n),
	)
	return nil
}

func (b *Base) fittedInput(X mat.Matrix) (*mat.Dense, error) {
	if !b.fitted {
		return nil, ErrNotFitted
	}
	return b.input(X)
}

// DecisionFunction returns the n×k exploration scores of every arm.
func (b *Base) DecisionFunction(X mat.Matrix) (*mat.Dense, error) {
	x, err := b.fittedInput(X)
	if err != nil {
		return nil, err
	}
	return b.ensemble.Scores(x)
}

// Exploit returns the n×k point estimates, with no exploration and no prior.
func (b *Base) Exploit(X mat.Matrix) (*mat.Dense, error) {
	x, err := b.fittedInput(X)
	if err != nil {
		return nil, err
	}
	return b.ensemble.Exploit(x)
}

// TopN ranks the n best arms of every row by decision function, best first.
func (b *Base) TopN(X mat.Matrix, n int) ([][]int, error) {
	if n <= 0 || n > len(b.names) {
		return nil, configError("n must be in [1, %d], got %d", len(b.names), n)
	}
	scores, err := b.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	rows, _ := scores.Dims()
	top := make([][]int, rows)
	for i := range top {
		order := slicesx.Argsort(scores.RawRowView(i))
		slices.Reverse(order)
		top[i] = order[:n]
	}
	return top, nil
}

// predict handles the unfitted and exploit cases and hands everything else to explore.
func (b *Base) predict(X mat.Matrix, exploit bool, explore func(x *mat.Dense) (Prediction, error)) (Prediction, error) {
	x, err := b.input(X)
	if err != nil {
		return Prediction{}, err
	}
	n, _ := x.Dims()

	if !b.fitted {
		b.logger.Warn("policy is not fitted, choosing arms at random",
			slog.String("policy", b.policy),
			slog.Int("rows", n),
		)
		b.metrics.ObservePredictions(b.policy, metrics.ModeRandom, n)
		return b.randomPrediction(n), nil
	}

	if exploit {
		scores, err := b.ensemble.Exploit(x)
		if err != nil {
			return Prediction{}, err
		}
		b.metrics.ObservePredictions(b.policy, metrics.ModeExploit, n)
		return greedy(scores), nil
	}
	return explore(x)
}

func (b *Base) randomPrediction(n int) Prediction {
	k := len(b.names)
	pred := Prediction{Choices: make([]int, n), Scores: make([]float64, n), Random: true}
	for i := range pred.Choices {
		pred.Choices[i] = b.rng.IntN(k)
		pred.Scores[i] = 1.0 / float64(k)
	}
	return pred
}

func (b *Base) observe(nExplored, n int) {
	b.metrics.ObservePredictions(b.policy, metrics.ModeExplore, nExplored)
	b.metrics.ObservePredictions(b.policy, metrics.ModeExploit, n-nExplored)
}

func greedy(scores *mat.Dense) Prediction {
	n, _ := scores.Dims()
	pred := Prediction{Choices: make([]int, n), Scores: make([]float64, n)}
	for i := range pred.Choices {
		row := scores.RawRowView(i)
		pred.Choices[i] = mathx.ArgMax(row)
		pred.Scores[i] = row[pred.Choices[i]]
	}
	return pred
}

// greedyPredict is the prediction of policies whose exploration lives in the scores.
func (b *Base) greedyPredict(x *mat.Dense) (Prediction, error) {
	scores, err := b.ensemble.Scores(x)
	if err != nil {
		return Prediction{}, err
	}
	n, _ := x.Dims()
	b.metrics.ObservePredictions(b.policy, metrics.ModeExploit, n)
	return greedy(scores), nil
}

// ArmSpec describes an arm to append. Every field is optional.
type ArmSpec struct {
	// Name defaults to the last name plus one when names are integers.
	Name string
	// Classifier is an already fitted classifier for the arm.
	Classifier classifier.Classifier
	Counts     oracle.Counts
	BufferX    mat.Matrix
	BufferY    []float64
}

func (b *Base) nextName() (string, error) {
	last := b.names[len(b.names)-1]
	i, err := strconv.Atoi(last)
	if err != nil {
		return "", configError("cannot derive a name after %q, pass one explicitly", last)
	}
	return strconv.Itoa(i + 1), nil
}

func (b *Base) AddArm(spec ArmSpec) error {
	name := spec.Name
	if name == "" {
		var err error
		if name, err = b.nextName(); err != nil {
			return err
		}
	}
	if slices.Contains(b.names, name) {
		return configError("arm name %q is already in use", name)
	}

	var est oracle.Estimator
	var err error
	switch {
	case spec.Classifier != nil && b.src.IsZero():
		return configError("this policy does not take per-arm classifiers")
	case spec.Classifier != nil:
		est, err = b.build(spec.Classifier, b.batch)
	default:
		est, err = b.factory(len(b.names))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	var bufX *mat.Dense
	if spec.BufferX != nil {
		if bufX, err = b.input(spec.BufferX); err != nil {
			return err
		}
		if n, _ := bufX.Dims(); n != len(spec.BufferY) {
			return fmt.Errorf("%w: buffer has %d rows and %d rewards", ErrDimension, n, len(spec.BufferY))
		}
	}

	b.ensemble.AddArm(name, est, spec.Counts, bufX, spec.BufferY, spec.Classifier != nil, randx.Split(b.rng, 1)[0])
	b.names = append(b.names, name)
	b.metrics.SetArms(b.policy, len(b.names))
	b.logger.Debug("arm added",
		slog.String("policy", b.policy),
		slog.String("arm", name),
		slog.Int("arms", len(b.names)),
	)
	return nil
}

// DropArm removes an arm and shifts the following indices down by one.
// Warm starts are disabled from then on.
func (b *Base) DropArm(arm int) error {
	name, err := b.ArmName(arm)
	if err != nil {
		return err
	}
	if len(b.names) <= 1 {
		return configError("cannot drop the last arm")
	}
	if err := b.ensemble.DropArm(arm); err != nil {
		return err
	}
	b.names = slices.Delete(b.names, arm, arm+1)
	b.warmStart = false
	b.metrics.SetArms(b.policy, len(b.names))
	b.logger.Debug("arm dropped",
		slog.String("policy", b.policy),
		slog.String("arm", name),
		slog.Int("arms", len(b.names)),
	)
	return nil
}

var (
	_ Policy = (*SeparateClassifiers)(nil)
	_ Policy = (*EpsilonGreedy)(nil)
	_ Policy = (*AdaptiveGreedy)(nil)
	_ Policy = (*ExploreFirst)(nil)
	_ Policy = (*ActiveExplorer)(nil)
	_ Policy = (*SoftmaxExplorer)(nil)
	_ Policy = (*BootstrappedUCB)(nil)
	_ Policy = (*BootstrappedTS)(nil)
	_ Policy = (*LogisticUCB)(nil)
	_ Policy = (*LogisticTS)(nil)
	_ Policy = (*LinUCB)(nil)
	_ Policy = (*LinTS)(nil)
)
