package oracle

import (
	"fmt"

	"github.com/sw965/bandit/classifier"
)

type sourceKind int

const (
	prototypeSource sourceKind = iota
	perArmSource
)

// Source says where each arm gets its classifier from: clones of one
// prototype, or one caller-supplied (possibly already fitted) classifier per arm.
type Source struct {
	kind   sourceKind
	proto  classifier.Classifier
	perArm []classifier.Classifier
}

func Prototype(c classifier.Classifier) Source {
	return Source{kind: prototypeSource, proto: c}
}

func PerArm(cs []classifier.Classifier) Source {
	return Source{kind: perArmSource, perArm: cs}
}

func (s Source) IsZero() bool {
	return s.proto == nil && s.perArm == nil
}

func (s Source) Validate(nArms int) error {
	switch s.kind {
	case prototypeSource:
		if s.proto == nil {
			return fmt.Errorf("classifier prototype must not be nil")
		}
	case perArmSource:
		if len(s.perArm) != nArms {
			return fmt.Errorf("got %d classifiers for %d arms", len(s.perArm), nArms)
		}
		for i, c := range s.perArm {
			if c == nil {
				return fmt.Errorf("classifier for arm %d is nil", i)
			}
		}
	}
	return nil
}

// For returns an independent classifier for arm i. Arms beyond a per-arm
// list get a clone of its first entry.
func (s Source) For(i int) classifier.Classifier {
	if s.kind == perArmSource {
		if i < len(s.perArm) {
			return s.perArm[i].Clone()
		}
		return s.perArm[0].Clone()
	}
	return s.proto.Clone()
}

// Any returns a representative classifier for capability checks.
func (s Source) Any() classifier.Classifier {
	if s.kind == perArmSource {
		if len(s.perArm) == 0 {
			return nil
		}
		return s.perArm[0]
	}
	return s.proto
}
