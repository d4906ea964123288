package session

// Status is the connection state of a voice session as seen by the UI.
type Status int

const (
	// StatusIdle is the state before the first Connect.
	StatusIdle Status = iota

	// StatusConnecting is reported once the credential is present and the
	// devices and transport are being acquired.
	StatusConnecting

	// StatusConnected is reported when the transport handshake completes and
	// capture is running. Also reported when the model stops talking.
	StatusConnected

	// StatusSpeaking is reported while model audio is queued for playback.
	StatusSpeaking

	// StatusError is terminal for the current cycle.
	StatusError

	// StatusDisconnected is terminal for the current cycle.
	StatusDisconnected
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusSpeaking:     "speaking",
	StatusError:        "error",
	StatusDisconnected: "disconnected",
}

// String returns the lowercase name of s.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Live reports whether s belongs to an open session.
func (s Status) Live() bool {
	return s == StatusConnected || s == StatusSpeaking
}

// Terminal reports whether s ends a connect cycle.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusDisconnected
}

// Observer receives status notifications from a [Manager].
//
// OnStatus is called synchronously and in order. Implementations may read
// [Manager.Err] and [Manager.Status] but must not call Connect or Disconnect
// from OnStatus; hand that work to a goroutine instead.
type Observer interface {
	OnStatus(Status)
}

// ObserverFunc adapts a plain function to [Observer].
type ObserverFunc func(Status)

// OnStatus calls f(s).
func (f ObserverFunc) OnStatus(s Status) { f(s) }

// Observers fans a notification out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	list := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(s Status) {
		for _, o := range list {
			o.OnStatus(s)
		}
	})
}
