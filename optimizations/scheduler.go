package optimizations

import "math"

// Scheduler adjusts optimizer learning rates; Step is called after every optimizer step.
type Scheduler interface {
	Step()
}

// StepLR multiplies every group's LR by Gamma once every StepSize steps.
type StepLR struct {
	Opt      *Adam
	StepSize int
	Gamma    float64

	count int
}

func NewStepLR(opt *Adam, stepSize int, gamma float64) *StepLR {
	return &StepLR{Opt: opt, StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) Step() {
	if s.StepSize <= 0 {
		return
	}
	s.count++
	decays := float64(s.count / s.StepSize)
	for _, g := range s.Opt.Groups {
		g.LR = g.initialLR * math.Pow(s.Gamma, decays)
	}
}
