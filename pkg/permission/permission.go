package permission

// Direction of a media flow being authorized.
type Direction int

const (
	// Speak is the right to publish audio into a channel.
	Speak Direction = iota
	// Listen is the right to receive audio from a channel.
	Listen
)

func (d Direction) String() string {
	switch d {
	case Speak:
		return "speak"
	case Listen:
		return "listen"
	default:
		return "unknown"
	}
}

// Matrix holds one client's talk/listen rights, global and per channel.
// The zero value denies everything.
type Matrix struct {
	SpeakToAll  bool            `json:"speakToAll" yaml:"speakToAll"`
	ListenToAll bool            `json:"listenToAll" yaml:"listenToAll"`
	SpeakTo     map[string]bool `json:"speakTo,omitempty" yaml:"speakTo"`
	ListenTo    map[string]bool `json:"listenTo,omitempty" yaml:"listenTo"`
}

// Allows reports whether the matrix grants the given direction in the
// given channel. Membership is not considered here, see Allow.
func (m Matrix) Allows(channelID string, direction Direction) bool {
	switch direction {
	case Speak:
		return m.SpeakToAll || m.SpeakTo[channelID]
	case Listen:
		return m.ListenToAll || m.ListenTo[channelID]
	default:
		return false
	}
}

// Allow is the permission evaluator: a client may speak or listen in a
// channel only if it is a member of the channel and the matrix grants the
// right. User-side mute/volume are listen preferences, not authorization,
// and deliberately play no role here.
func Allow(m Matrix, member bool, channelID string, direction Direction) bool {
	return member && m.Allows(channelID, direction)
}

// Clone returns a deep copy of the matrix.
func (m Matrix) Clone() Matrix {
	clone := Matrix{
		SpeakToAll:  m.SpeakToAll,
		ListenToAll: m.ListenToAll,
	}
	if m.SpeakTo != nil {
		clone.SpeakTo = make(map[string]bool, len(m.SpeakTo))
		for id, allowed := range m.SpeakTo {
			clone.SpeakTo[id] = allowed
		}
	}
	if m.ListenTo != nil {
		clone.ListenTo = make(map[string]bool, len(m.ListenTo))
		for id, allowed := range m.ListenTo {
			clone.ListenTo[id] = allowed
		}
	}
	return clone
}

// Patch is a partial update of a matrix. Nil fields are left untouched;
// per-channel entries present in the patch overwrite the matching entries.
type Patch struct {
	SpeakToAll  *bool           `json:"speakToAll,omitempty"`
	ListenToAll *bool           `json:"listenToAll,omitempty"`
	SpeakTo     map[string]bool `json:"speakTo,omitempty"`
	ListenTo    map[string]bool `json:"listenTo,omitempty"`
}

// Apply returns a new matrix with the patch applied.
func (m Matrix) Apply(patch Patch) Matrix {
	result := m.Clone()

	if patch.SpeakToAll != nil {
		result.SpeakToAll = *patch.SpeakToAll
	}
	if patch.ListenToAll != nil {
		result.ListenToAll = *patch.ListenToAll
	}
	for id, allowed := range patch.SpeakTo {
		if result.SpeakTo == nil {
			result.SpeakTo = make(map[string]bool)
		}
		result.SpeakTo[id] = allowed
	}
	for id, allowed := range patch.ListenTo {
		if result.ListenTo == nil {
			result.ListenTo = make(map[string]bool)
		}
		result.ListenTo[id] = allowed
	}

	return result
}

// ForgetChannel removes per-channel entries for a channel that no longer
// exists. Global rights are untouched.
func (m *Matrix) ForgetChannel(channelID string) {
	delete(m.SpeakTo, channelID)
	delete(m.ListenTo, channelID)
}
