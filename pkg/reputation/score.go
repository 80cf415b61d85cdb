package reputation

import "time"

// LatencyFactor is the coarse step applied to a node's average latency.
func LatencyFactor(avgLatencyMs uint32) float64 {
	switch {
	case avgLatencyMs < 100:
		return 1.0
	case avgLatencyMs < 500:
		return 0.8
	default:
		return 0.5
	}
}

// Score combines uptime and latency. It is non-decreasing in uptime and non-increasing in latency.
func Score(uptimeBps, avgLatencyMs uint32) float64 {
	return float64(uptimeBps) / bpsDenominator * LatencyFactor(avgLatencyMs)
}

// ApplyReport folds one report into rep. Latency only moves on successful reports, but the running
// mean's denominator counts every request.
func ApplyReport(rep *CdnNodeReputation, r QualityReport, now time.Time) {
	if r.Success {
		rep.SuccessfulRequests++
		n := rep.SuccessfulRequests + rep.FailedRequests
		avg := (uint64(rep.AvgLatencyMs)*(n-1) + uint64(r.LatencyMs)) / n
		rep.AvgLatencyMs = uint32(avg)
		rep.BytesServed += r.BytesServed
	} else {
		rep.FailedRequests++
	}

	total := rep.SuccessfulRequests + rep.FailedRequests
	rep.UptimeBps = uint32(rep.SuccessfulRequests * bpsDenominator / total)
	rep.Score = Score(rep.UptimeBps, rep.AvgLatencyMs)
	rep.LastActive = now.UTC()
}

// Fold derives the verification status of subject from all of its claims. Inactive and expired
// claims are ignored.
func Fold(subject string, claims []TrustClaim, now time.Time) VerificationStatus {
	var sum, count uint32
	for _, c := range claims {
		if c.To != subject || !c.Counts(now) {
			continue
		}
		sum += c.ConfidenceBps
		count++
	}

	status := VerificationStatus{
		Subject:    subject,
		VouchCount: count,
		Tier:       TierUnverified,
		ComputedAt: now.UTC(),
	}
	if count > 0 {
		status.TrustScore = sum / count
	}
	switch {
	case count >= 10 && status.TrustScore >= 800:
		status.Tier = TierTrusted
	case count >= 3:
		status.Tier = TierCommunityVerified
	}
	return status
}
