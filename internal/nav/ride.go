package nav

import (
	"strings"

	"github.com/dustin/go-humanize"
)

// RideState names the live-ride state the rider is in.
type RideState string

const (
	StateStartingRide   RideState = "StartingRide"
	StateOnward         RideState = "Onward"
	StateAdvanceWarning RideState = "AdvanceWarning"
	StateHuntForSegment RideState = "HuntForSegment"
	StateGoingOffCourse RideState = "GoingOffCourse"
	StateReplanFromHere RideState = "ReplanFromHere"
	StateArrivee        RideState = "Arrivee"
	StateStopped        RideState = "Stopped"
)

// StartingRideStreet is shown on the peer while the ride is being set up.
const StartingRideStreet = "Starting Ride"

// Segment is one leg of the route as the rider sees it.
type Segment struct {
	Turn            string `json:"turn"`
	Street          string `json:"street"`
	DistanceM       int    `json:"distance_m"`
	RunningDistance int    `json:"running_m"`
	Instruction     string `json:"instruction,omitempty"`
}

// FormatDistance renders meters for a small screen: "350 m", "1.2 km".
func FormatDistance(meters int) string {
	if meters < 0 {
		meters = 0
	}
	if meters < 1000 {
		return humanize.Comma(int64(meters)) + " m"
	}
	return strings.TrimSpace(humanize.SIWithDigits(float64(meters), 1, "m"))
}

// StartNotification is the first item of every session.
func StartNotification(state RideState) Notification {
	return New(
		Field{KeyStreet, StartingRideStreet},
		Field{KeyStateType, string(state)},
	)
}

// StateNotification carries only the ride state.
func StateNotification(state RideState) Notification {
	return New(Field{KeyStateType, string(state)})
}

// SegmentNotification describes the upcoming segment. A nil segment yields a
// state-only notification.
func SegmentNotification(state RideState, seg *Segment) Notification {
	var n Notification
	if seg != nil {
		n = n.With(KeyTurn, seg.Turn).
			With(KeyStreet, seg.Street).
			With(KeyRunningDistance, FormatDistance(seg.RunningDistance)).
			With(KeyDistance, FormatDistance(seg.DistanceM))
		if strings.TrimSpace(seg.Instruction) != "" {
			n = n.With(KeyInstruction, seg.Instruction)
		}
	}
	return n.With(KeyStateType, string(state))
}
