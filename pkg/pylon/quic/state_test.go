package quic

import "testing"

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateClientInit:      "client_init",
		StateServerListening: "server_listening",
		StateReady:           "ready",
		StateDisconnected:    "disconnected",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
	if got := ConnectionState(9999).String(); got != "unknown" {
		t.Errorf("String() for out-of-range state = %q, want %q", got, "unknown")
	}
}

func TestIsClosingOrBeyond(t *testing.T) {
	closing := []ConnectionState{StateClosingReceived, StateDraining, StateClosing, StateDisconnected, StateHandshakeFailure}
	for _, s := range closing {
		if !s.isClosingOrBeyond() {
			t.Errorf("%v.isClosingOrBeyond() = false, want true", s)
		}
	}
	open := []ConnectionState{StateClientInit, StateClientReady, StateServerListening, StateReady}
	for _, s := range open {
		if s.isClosingOrBeyond() {
			t.Errorf("%v.isClosingOrBeyond() = true, want false", s)
		}
	}
}

func TestAcceptsInitial(t *testing.T) {
	accept := []ConnectionState{StateClientInitSent, StateClientInitResent, StateClientHandshakeStart}
	for _, s := range accept {
		if !s.acceptsInitial() {
			t.Errorf("%v.acceptsInitial() = false, want true", s)
		}
	}
	if StateClientReady.acceptsInitial() {
		t.Error("StateClientReady.acceptsInitial() = true, want false")
	}
}

func TestAcceptsRetry(t *testing.T) {
	if !StateClientInitSent.acceptsRetry() {
		t.Error("StateClientInitSent.acceptsRetry() = false, want true")
	}
	if StateClientHandshakeStart.acceptsRetry() {
		t.Error("StateClientHandshakeStart.acceptsRetry() = true, want false (only before handshake progress)")
	}
}

func TestAcceptsZeroRTT(t *testing.T) {
	if !StateServerAlmostReady.acceptsZeroRTT() {
		t.Error("StateServerAlmostReady.acceptsZeroRTT() = false, want true")
	}
	if StateServerListening.acceptsZeroRTT() {
		t.Error("StateServerListening.acceptsZeroRTT() = true, want false")
	}
}

func TestAcceptsOneRTT(t *testing.T) {
	accept := []ConnectionState{StateClientAlmostReady, StateClientReady, StateServerFalseStart, StateReady}
	for _, s := range accept {
		if !s.acceptsOneRTT() {
			t.Errorf("%v.acceptsOneRTT() = false, want true", s)
		}
	}
	if StateClientInit.acceptsOneRTT() {
		t.Error("StateClientInit.acceptsOneRTT() = true, want false")
	}
}

func TestIsReady(t *testing.T) {
	if !StateReady.isReady() || !StateClientReady.isReady() {
		t.Error("isReady() should be true for StateReady and StateClientReady")
	}
	if StateClientAlmostReady.isReady() {
		t.Error("StateClientAlmostReady.isReady() = true, want false")
	}
}
