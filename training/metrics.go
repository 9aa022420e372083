package training

import (
	"fmt"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	ErrorRate
	Precision
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case ErrorRate:
		return "ErrorRate"
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts binary outcomes with +1 as the positive class.
type ConfusionMatrix struct {
	TruePositive  int `json:"true_positive"`
	FalsePositive int `json:"false_positive"`
	TrueNegative  int `json:"true_negative"`
	FalseNegative int `json:"false_negative"`
}

// NewConfusionMatrix builds a matrix from labels and decision values. A
// decision of zero counts as positive.
func NewConfusionMatrix(labels, decisions []float64) (*ConfusionMatrix, error) {
	if len(labels) != len(decisions) {
		return nil, fmt.Errorf("labels length mismatch: %d labels, %d decisions", len(labels), len(decisions))
	}
	cm := &ConfusionMatrix{}
	for i, y := range labels {
		cm.Update(y, decisions[i])
	}
	return cm, nil
}

// Update adds one sample.
func (cm *ConfusionMatrix) Update(label, decision float64) {
	positive := decision >= 0
	switch {
	case label > 0 && positive:
		cm.TruePositive++
	case label > 0:
		cm.FalseNegative++
	case positive:
		cm.FalsePositive++
	default:
		cm.TrueNegative++
	}
}

// Total returns the number of samples.
func (cm *ConfusionMatrix) Total() int {
	return cm.TruePositive + cm.FalsePositive + cm.TrueNegative + cm.FalseNegative
}

// GetMetric calculates an evaluation metric. Ratios with an empty
// denominator are 0.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	tp := float64(cm.TruePositive)
	fp := float64(cm.FalsePositive)
	tn := float64(cm.TrueNegative)
	fn := float64(cm.FalseNegative)

	switch metric {
	case Accuracy:
		return ratio(tp+tn, tp+tn+fp+fn)
	case ErrorRate:
		return ratio(fp+fn, tp+tn+fp+fn)
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	case NPV:
		return ratio(tn, tn+fn)
	default:
		return 0
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func (cm *ConfusionMatrix) String() string {
	return fmt.Sprintf("ConfusionMatrix{tp: %d, fp: %d, tn: %d, fn: %d}",
		cm.TruePositive, cm.FalsePositive, cm.TrueNegative, cm.FalseNegative)
}

// TrainingError returns the fraction of points with a negative margin
// o_i = y_i f(x_i).
func TrainingError(out []float64) float64 {
	if len(out) == 0 {
		return 0
	}
	wrong := 0
	for _, o := range out {
		if o < 0 {
			wrong++
		}
	}
	return float64(wrong) / float64(len(out))
}
