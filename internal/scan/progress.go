package scan

import "math"

// Status messages shown outside the polling buckets.
const (
	msgStarting  = "Initiating scan request..."
	msgFetching  = "Fetching vulnerability results..."
	msgCompleted = "Scan complete!"
	msgFailed    = "Scan failed"
)

// MapProgress scales an upstream percentage into the band between floor and
// limit so the session never reports completion before results are fetched.
func MapProgress(upstream float64, floor, limit int) int {
	if math.IsNaN(upstream) || upstream < 0 {
		upstream = 0
	}
	if upstream > 100 {
		upstream = 100
	}

	mapped := int(math.Round(float64(floor) + upstream*float64(limit-floor)/100))
	if mapped > limit {
		mapped = limit
	}
	return mapped
}

// PhaseLabel describes the polling phase for a progress value.
func PhaseLabel(progress int) string {
	switch {
	case progress < 20:
		return "Performing port discovery..."
	case progress < 40:
		return "Service fingerprinting in progress..."
	case progress < 60:
		return "Running vulnerability checks..."
	case progress < 80:
		return "Analyzing detected services..."
	default:
		return "Finalizing scan results..."
	}
}

// StatusMessage derives the human-readable status from state and progress
// only.
func StatusMessage(state State, progress int) string {
	switch state {
	case StateStarting:
		return msgStarting
	case StatePolling:
		return PhaseLabel(progress)
	case StateCompleted:
		return msgCompleted
	case StateFailed:
		return msgFailed
	default:
		return ""
	}
}

func statusFor(state State, progress int, fetching bool) string {
	if fetching && state == StatePolling {
		return msgFetching
	}
	return StatusMessage(state, progress)
}
