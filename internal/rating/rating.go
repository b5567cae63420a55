// Package rating implements the Elo update applied when a rated match ends.
// The package is pure: no I/O, no clock, no state.
package rating

import "math"

// DefaultK is the K-factor used when configuration supplies none.
const DefaultK = 32

// Default is the rating assigned to newly registered players.
const Default = 1200

// Score is the actual score of one side in a finished game.
type Score float64

const (
	Win  Score = 1.0
	Draw Score = 0.5
	Loss Score = 0.0
)

// Expected returns the expected score of a player rated a against an
// opponent rated b: 1 / (1 + 10^((b-a)/400)).
func Expected(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/400.0))
}

// Update returns the new ratings for red and black given red's actual score
// (black's is the complement). Results are rounded to the nearest integer.
func Update(red, black int, redScore Score, k int) (newRed, newBlack int) {
	if k <= 0 {
		k = DefaultK
	}
	eRed := Expected(red, black)
	eBlack := Expected(black, red)

	newRed = red + int(math.Round(float64(k)*(float64(redScore)-eRed)))
	newBlack = black + int(math.Round(float64(k)*(float64(1-redScore)-eBlack)))
	return newRed, newBlack
}
