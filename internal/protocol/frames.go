// ABOUTME: Typed upstream events and downstream commands exchanged with devices
// ABOUTME: Both sides are closed sum types sealed by an unexported marker method

package protocol

// MaxFrameSize is the largest upstream frame the transport accepts.
const MaxFrameSize = 64 * 1024

// Frame type discriminators.
const (
	TypeHeartbeat           = "heartbeat"
	TypeMessage             = "message"
	TypeResolveTargetResult = "resolve_target_result"

	TypePong          = "pong"
	TypeConfig        = "config"
	TypeSendText      = "send_text"
	TypeSendImage     = "send_image"
	TypeSendFile      = "send_file"
	TypeSendVoice     = "send_voice"
	TypeResolveTarget = "resolve_target"
)

// Upstream is a frame sent by a device. The concrete type is one of
// Heartbeat, Message or ResolveTargetResult.
type Upstream interface {
	upstream()
}

// Heartbeat is the device keepalive. It is answered with Pong.
type Heartbeat struct{}

// Message is one chat event observed on the device.
type Message struct {
	MsgID       int64    `json:"msg_id"`
	MsgType     int      `json:"msg_type"`
	Talker      string   `json:"talker"`
	Sender      string   `json:"sender"`
	Content     string   `json:"content"`
	TimestampMs int64    `json:"timestamp"`
	IsPrivate   bool     `json:"is_private"`
	IsGroup     bool     `json:"is_group"`
	IsAtMe      bool     `json:"is_at_me"`
	AtUserList  []string `json:"at_user_list"`
}

// TargetKind classifies a resolved talker.
type TargetKind string

const (
	TargetDirect  TargetKind = "direct"
	TargetGroup   TargetKind = "group"
	TargetUnknown TargetKind = "unknown"
)

// ResolveTargetResult answers a ResolveTarget command.
type ResolveTargetResult struct {
	RequestID      string     `json:"request_id"`
	Target         string     `json:"target"`
	OK             bool       `json:"ok"`
	ResolvedTalker string     `json:"resolved_talker,omitempty"`
	TargetKind     TargetKind `json:"target_kind,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (Heartbeat) upstream()           {}
func (Message) upstream()             {}
func (ResolveTargetResult) upstream() {}

// Command is a frame sent to a device. The concrete type is one of SendText,
// Pong, ConfigPush, ResolveTarget, SendImage, SendFile or SendVoice.
type Command interface {
	command()
}

// SendText delivers a text message to a talker.
type SendText struct {
	Talker  string `json:"talker"`
	Content string `json:"content"`
}

// Pong answers a Heartbeat.
type Pong struct{}

// ConfigPush mirrors the account's policy fields so the device can pre-filter.
// It is sent once per connection right after authentication.
type ConfigPush struct {
	AllowFrom              []string `json:"allow_from"`
	GroupPolicy            string   `json:"group_policy"`
	GroupAllowChats        []string `json:"group_allow_chats"`
	GroupAllowFrom         []string `json:"group_allow_from"`
	NoMentionContextGroups []string `json:"no_mention_context_groups"`
	DMPolicy               string   `json:"dm_policy"`
	RequireMentionInGroup  bool     `json:"require_mention_in_group"`
	SilentPairing          bool     `json:"silent_pairing"`
}

// ResolveTarget asks the device to map a user-supplied target to a talker id.
type ResolveTarget struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

// SendImage carries either a remote URL or a temp-file id.
type SendImage struct {
	Talker    string `json:"talker"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageID   string `json:"image_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// SendFile carries either a remote URL or a temp-file id.
type SendFile struct {
	Talker    string `json:"talker"`
	FileURL   string `json:"file_url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// SendVoice plays a remote voice clip. Duration is in seconds.
type SendVoice struct {
	Talker   string `json:"talker"`
	VoiceURL string `json:"voice_url"`
	Duration int    `json:"duration"`
}

func (SendText) command()      {}
func (Pong) command()          {}
func (ConfigPush) command()    {}
func (ResolveTarget) command() {}
func (SendImage) command()     {}
func (SendFile) command()      {}
func (SendVoice) command()     {}
