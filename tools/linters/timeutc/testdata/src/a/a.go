package a

import "time"

func leaseStamp() {
	_ = time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}

func leaseStampNormalized() {
	_ = time.Now().UTC()
}

func heartbeatAt() {
	at := time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
	_ = at
}

func heartbeatAtNormalized() {
	at := time.Now().UTC()
	_ = at
}

func formattedChain() {
	_ = time.Now().UTC().Format(time.RFC3339)
}

func expiryArgument(deadline time.Time) bool {
	return deadline.Before(time.Now()) // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}

func expiryArgumentNormalized(deadline time.Time) bool {
	return deadline.Before(time.Now().UTC())
}

func suppressedAbove() {
	//nolint
	_ = time.Now()
}

func suppressedInline() {
	_ = time.Now() //nolint:timeutc
}

func suppressedForSomethingElse() {
	_ = time.Now() //nolint:otherlinter // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}
