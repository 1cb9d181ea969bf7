package control

import (
	"fmt"
	"time"
)

// chronosSyncPayload carries one leg of the two-message offset exchange:
// step 1 is the Drone's request (t1 only); step 2 is the GCS's reply
// (echoing t1, plus its receive time t2 and send time t3).
type chronosSyncPayload struct {
	Step int       `json:"step"`
	T1   time.Time `json:"t1"`
	T2   time.Time `json:"t2,omitempty"`
	T3   time.Time `json:"t3,omitempty"`
}

// InitiateChronosSync runs the clock-offset exchange from the Drone
// side and returns the estimated offset (GCS clock minus Drone clock).
// The Drone adds this offset when computing a cutover_at value the GCS
// can honor on its own clock (§4.8).
func InitiateChronosSync(ch *Channel) (time.Duration, error) {
	t1 := time.Now()
	if err := ch.Send(MsgChronosSync, chronosSyncPayload{Step: 1, T1: t1}); err != nil {
		return 0, err
	}

	// IntegrityAlarm can be raised by the peer's proxy at any time and
	// may interleave with this synchronous exchange; such an envelope is
	// read and discarded here, so the caller never sees it.
	for {
		env, err := ch.Receive()
		if err != nil {
			return 0, err
		}
		if env.Type == MsgIntegrityAlarm {
			continue
		}
		if env.Type != MsgChronosSync {
			return 0, fmt.Errorf("control: chronos sync: unexpected reply type %s", env.Type)
		}
		var reply chronosSyncPayload
		if err := Decode(env, &reply); err != nil {
			return 0, err
		}
		if reply.Step != 2 {
			return 0, fmt.Errorf("control: chronos sync: expected step 2, got %d", reply.Step)
		}
		t4 := time.Now()
		offset := ((reply.T2.Sub(reply.T1)) + (reply.T3.Sub(t4))) / 2
		return offset, nil
	}
}

// RespondToChronosSync handles one inbound step-1 request on the GCS
// side and sends back the step-2 reply. Callers invoke it from their
// message-dispatch loop upon receiving a MsgChronosSync envelope.
func RespondToChronosSync(ch *Channel, env Envelope) error {
	var req chronosSyncPayload
	if err := Decode(env, &req); err != nil {
		return err
	}
	if req.Step != 1 {
		return fmt.Errorf("control: chronos sync: expected step 1, got %d", req.Step)
	}
	t2 := time.Now()
	t3 := time.Now()
	return ch.Send(MsgChronosSync, chronosSyncPayload{Step: 2, T1: req.T1, T2: t2, T3: t3})
}
