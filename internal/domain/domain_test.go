package domain

import "testing"

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side Side
		want Side
	}{
		{SideYES, SideNO},
		{SideNO, SideYES},
	}

	for _, tt := range tests {
		if got := tt.side.Opposite(); got != tt.want {
			t.Errorf("Side(%q).Opposite() = %q, want %q", tt.side, got, tt.want)
		}
	}
}

func TestParameterSetPairCapPoints(t *testing.T) {
	t.Parallel()

	ps := ParameterSet{DeltaPoints: 5}
	if got := ps.PairCapPoints(); got != 95 {
		t.Errorf("PairCapPoints() = %d, want 95", got)
	}
}

func TestParameterSetStopLossEnabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		points int
		want   bool
	}{
		{"disabled when zero", 0, false},
		{"enabled when positive", 10, true},
	}

	for _, tt := range tests {
		ps := ParameterSet{StopLossPoints: tt.points}
		if got := ps.StopLossEnabled(); got != tt.want {
			t.Errorf("%s: StopLossEnabled() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTimeRemainingBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds float64
		want    string
	}{
		{0, BucketUnder2Min},
		{119, BucketUnder2Min},
		{120, Bucket2To5Min},
		{299, Bucket2To5Min},
		{300, Bucket5To10Min},
		{599, Bucket5To10Min},
		{600, BucketOver10Min},
		{1200, BucketOver10Min},
	}

	for _, tt := range tests {
		if got := TimeRemainingBucket(tt.seconds); got != tt.want {
			t.Errorf("TimeRemainingBucket(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
