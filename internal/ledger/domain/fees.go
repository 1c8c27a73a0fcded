package domain

// EstimateProcessorFee approximates the processor's charge fee when the
// event carries no balance transaction to read the actual fee from:
// 2.9% of gross plus a 30-unit fixed component.
func EstimateProcessorFee(gross int64) int64 {
	if gross <= 0 {
		return 0
	}
	return gross*29/1000 + 30
}

// PlatformFee computes the marketplace's cut in basis points of gross.
func PlatformFee(gross int64, bps int) int64 {
	if gross <= 0 || bps <= 0 {
		return 0
	}
	return gross * int64(bps) / 10000
}
