package rating

import (
	"math"
	"testing"
)

func TestExpectedEqualRatings(t *testing.T) {
	if e := Expected(1200, 1200); math.Abs(e-0.5) > 1e-9 {
		t.Errorf("Expected(1200,1200) = %v, want 0.5", e)
	}
}

func TestExpectedComplement(t *testing.T) {
	a, b := 1500, 1300
	sum := Expected(a, b) + Expected(b, a)
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("expected scores do not sum to 1: %v", sum)
	}
}

// Equal-rated resign: loser drops 16, winner gains 16 at K=32.
func TestUpdateEqualRatingsDecisive(t *testing.T) {
	newRed, newBlack := Update(1200, 1200, Loss, 32)
	if newRed != 1184 {
		t.Errorf("red = %d, want 1184", newRed)
	}
	if newBlack != 1216 {
		t.Errorf("black = %d, want 1216", newBlack)
	}
}

func TestUpdateEqualRatingsDraw(t *testing.T) {
	newRed, newBlack := Update(1200, 1200, Draw, 32)
	if newRed != 1200 || newBlack != 1200 {
		t.Errorf("draw between equals changed ratings: %d/%d", newRed, newBlack)
	}
}

func TestUpdateUnderdogWin(t *testing.T) {
	newRed, newBlack := Update(1000, 1400, Win, 32)
	if newRed <= 1000 {
		t.Errorf("underdog gained nothing: %d", newRed)
	}
	if newBlack >= 1400 {
		t.Errorf("favorite lost nothing: %d", newBlack)
	}
	// An upset moves more points than an expected result.
	gain := newRed - 1000
	if gain <= 16 {
		t.Errorf("upset gain %d should exceed the even-match gain of 16", gain)
	}
}

func TestUpdateZeroKFallsBack(t *testing.T) {
	newRed, _ := Update(1200, 1200, Win, 0)
	if newRed != 1216 {
		t.Errorf("K fallback broken: red = %d, want 1216", newRed)
	}
}
