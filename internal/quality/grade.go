package quality

import "time"

// Grade is the coarse, display-oriented link quality.
type Grade string

const (
	GradeExcellent Grade = "EXCELLENT"
	GradeGood      Grade = "GOOD"
	GradePoor      Grade = "POOR"
)

// Thresholds for interactive voice. Jitter is in seconds.
const (
	PoorLossRatio = 0.05
	PoorJitter    = 0.03
	GoodLossRatio = 0.01
	GoodJitter    = 0.01
)

// Stats is the subset of inbound audio RTP statistics the grade is derived from.
type Stats struct {
	PacketsReceived uint64
	// PacketsLost may be negative when duplicates arrive; it is clamped when measured.
	PacketsLost   int64
	JitterSeconds float64
}

// Sample is one graded observation. Only the latest sample is ever kept.
type Sample struct {
	JitterSeconds   float64   `json:"jitter_seconds"`
	PacketLossRatio float64   `json:"packet_loss_ratio"`
	Grade           Grade     `json:"grade"`
	TakenAt         time.Time `json:"taken_at"`
}

// LossRatio returns lost/(received+lost), or 0 when nothing was expected yet.
func LossRatio(received uint64, lost int64) float64 {
	if lost < 0 {
		lost = 0
	}
	total := float64(received) + float64(lost)
	if total == 0 {
		return 0
	}
	return float64(lost) / total
}

// Classify is a pure function of the loss ratio and jitter (seconds).
func Classify(lossRatio, jitterSeconds float64) Grade {
	switch {
	case lossRatio > PoorLossRatio || jitterSeconds > PoorJitter:
		return GradePoor
	case lossRatio > GoodLossRatio || jitterSeconds > GoodJitter:
		return GradeGood
	default:
		return GradeExcellent
	}
}

// Measure turns raw statistics into a graded sample.
func Measure(st Stats, at time.Time) Sample {
	jitter := st.JitterSeconds
	if jitter < 0 {
		jitter = 0
	}
	loss := LossRatio(st.PacketsReceived, st.PacketsLost)
	return Sample{
		JitterSeconds:   jitter,
		PacketLossRatio: loss,
		Grade:           Classify(loss, jitter),
		TakenAt:         at,
	}
}
