// Package models defines the shared data types that flow between the
// gateway's components: clients, sessions, messages, tool calls, cron
// jobs, and channel accounts.
package models

import "time"

// Role identifies the author of a persisted message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ClientRole distinguishes operator consoles from headless nodes.
type ClientRole string

const (
	ClientRoleOperator ClientRole = "operator"
	ClientRoleNode     ClientRole = "node"
)

// ChannelType identifies an inbound/outbound messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// MainSessionKey is the reserved, undeletable default session.
const MainSessionKey = "main"

// Client is a live WebSocket connection tracked by the connection registry.
type Client struct {
	ConnID      string
	ClientID    string
	Role        ClientRole
	Scopes      map[string]struct{}
	Platform    string
	Mode        string
	InstanceID  string
	ConnectedAt time.Time
}

// HasScope reports whether the client was granted the given capability scope.
func (c *Client) HasScope(scope string) bool {
	if c == nil || c.Scopes == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// Session is a conversation: either the reserved "main" session, an
// ad-hoc operator session, a cron-isolated session, or a channel session.
type Session struct {
	Key            string
	Label          string
	Model          string
	ProjectID      string
	SandboxEnabled bool
	WorktreeBranch string
	MessageCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Archived       bool
}

// ContentBlock is one part of a multimodal user message.
type ContentBlock struct {
	Type     string `json:"type"` // "text" | "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// ToolCallRequest is what the LLM asked to invoke.
type ToolCallRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
	ExecutionMode string `json:"execution_mode,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
}

// PersistedMessage is one line of a session's append-only message log.
type PersistedMessage struct {
	Role      Role           `json:"role"`
	Content   any            `json:"content"` // string or []ContentBlock
	CreatedAt int64          `json:"created_at"`
	Channel   map[string]any `json:"channel,omitempty"`

	// assistant-only
	Model        string            `json:"model,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	InputTokens  int               `json:"inputTokens,omitempty"`
	OutputTokens int               `json:"outputTokens,omitempty"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`

	// tool-only
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// TextContent returns the flattened text of a message's content, ignoring
// embedded images.
func (m PersistedMessage) TextContent() string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []ContentBlock:
		out := ""
		for _, b := range v {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	default:
		return ""
	}
}

// ApprovalRequest is a pending operator decision for an exec command that
// was neither safe nor previously approved.
type ApprovalRequest struct {
	RequestID string
	Command   string
	SessionKey string
	CreatedAt time.Time
}

// CronSchedule is the tagged sum of the three scheduling kinds.
type CronSchedule struct {
	Kind     string // "at" | "every" | "cron"
	AtMs     int64
	IntervalMs int64
	AnchorMs int64
	Expr     string
	TZ       string
}

// SessionTarget identifies where a cron fire is delivered.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// CronPayloadKind distinguishes the two cron delivery modes: a plain
// system-event nudge versus a full agent turn.
type CronPayloadKind string

const (
	CronPayloadSystemEvent CronPayloadKind = "system_event"
	CronPayloadAgentTurn   CronPayloadKind = "agent_turn"
)

// CronPayload is the tagged union of SystemEvent/AgentTurn payloads.
type CronPayload struct {
	Kind CronPayloadKind

	// SystemEvent
	Text string

	// AgentTurn
	Message     string
	Model       string
	TimeoutSecs int
	Deliver     bool
	Channel     ChannelType
	To          string
}

// CronJob is a persisted scheduled job.
type CronJob struct {
	ID             string
	Name           string
	Schedule       CronSchedule
	Payload        CronPayload
	SessionTarget  SessionTarget
	Enabled        bool
	DeleteAfterRun bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRunAt      *time.Time
	NextFireAt     *time.Time
}

// CronOutcome is the terminal state of one cron fire.
type CronOutcome string

const (
	CronOutcomeSuccess CronOutcome = "success"
	CronOutcomeError   CronOutcome = "error"
	CronOutcomeSkipped CronOutcome = "skipped"
)

// CronRun is one execution record for a CronJob.
type CronRun struct {
	ID           string
	JobID        string
	StartedAt    time.Time
	EndedAt      *time.Time
	Outcome      CronOutcome
	Output       string
	InputTokens  int
	OutputTokens int
	ErrorMessage string
}

// ChannelPolicy is the DM/group access mode for a channel account.
type ChannelPolicy string

const (
	PolicyOpen      ChannelPolicy = "open"
	PolicyAllowlist ChannelPolicy = "allowlist"
	PolicyDisabled  ChannelPolicy = "disabled"
)

// MentionMode controls group activation.
type MentionMode string

const (
	MentionAlways  MentionMode = "always"
	MentionNone    MentionMode = "none"
	MentionMention MentionMode = "mention"
)

// ChannelAccount is one configured platform account.
type ChannelAccount struct {
	ChannelType ChannelType
	AccountID   string
	Config      map[string]any
	Enabled     bool

	DMPolicy        ChannelPolicy
	GroupPolicy     ChannelPolicy
	MentionMode     MentionMode
	UserAllowlist   []string
	GroupAllowlist  []string
	ChannelAllowlist []string
	OTPCooldownSecs int
}

// OTPChallenge lets a non-allowlisted DM sender self-approve.
type OTPChallenge struct {
	ChannelType ChannelType
	AccountID   string
	PeerID      string
	Code        string
	ExpiresAt   time.Time
	Attempts    int
}

// InboundMessage is a normalized message received from a channel adapter.
type InboundMessage struct {
	ChannelType ChannelType
	AccountID   string
	ChatType    string // dm | group | channel
	PeerID      string
	Username    string
	SenderName  string
	ChatID      string
	MessageID   string
	Text        string
	Attachments []string
	Mentioned   bool
	ReceivedAt  time.Time
}
