package gateway

import "encoding/json"

// Message types spoken between the gateway and the desktop execution clients
// (MT4/MT5 terminals behind the hedge-system app).
const (
	// inbound
	MsgAuth            = "auth"
	MsgHeartbeat       = "heartbeat"
	MsgFillReport      = "fill_report"
	MsgCloseReport     = "close_report"
	MsgOutcomeReport   = "outcome_report"
	MsgAccountSnapshot = "account_snapshot"
	MsgPriceTick       = "price_tick"

	// outbound
	MsgAuthOK       = "auth_ok"
	MsgAuthError    = "auth_error"
	MsgDispatch     = "dispatch"
	MsgHeartbeatAck = "heartbeat_ack"
	MsgError        = "error"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the first frame a client must send.
type AuthPayload struct {
	Token    string `json:"token"`
	UserName string `json:"user_name"`
	PCID     string `json:"pc_id"`
	EAInfo   EAInfo `json:"ea_info"`
}

// EAInfo describes the connecting terminal.
type EAInfo struct {
	Version  string `json:"version"`
	Platform string `json:"platform"` // MT4 | MT5
	Account  string `json:"account"`
	Server   string `json:"server,omitempty"`
	Company  string `json:"company,omitempty"`
}

// HeartbeatPayload carries the client's send time for latency grading.
type HeartbeatPayload struct {
	SentAt string `json:"sent_at"` // RFC3339Nano
}

// FillReportPayload reports a broker fill for an OPENING position.
type FillReportPayload struct {
	PositionID uint    `json:"position_id"`
	Ticket     string  `json:"ticket"`
	EntryPrice float64 `json:"entry_price"`
	EntryTime  string  `json:"entry_time"` // RFC3339
}

// CloseReportPayload reports a broker close for a CLOSING position.
// Outcome is CLOSED for a normal close, STOPPED for a broker-forced
// margin liquidation.
type CloseReportPayload struct {
	PositionID uint    `json:"position_id"`
	ExitPrice  float64 `json:"exit_price"`
	ExitTime   string  `json:"exit_time"` // RFC3339
	ExitReason string  `json:"exit_reason,omitempty"`
	Outcome    string  `json:"outcome"` // CLOSED | STOPPED
}

// OutcomeReportPayload is the terminal report for a dispatched action.
type OutcomeReportPayload struct {
	ActionID     uint    `json:"action_id"`
	Status       string  `json:"status"` // EXECUTED | FAILED
	BrokerTicket string  `json:"broker_ticket,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
	Outcome      string  `json:"outcome,omitempty"` // CLOSED | STOPPED, close actions
	ExitReason   string  `json:"exit_reason,omitempty"`
	ErrorCode    int     `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// AccountSnapshotPayload refreshes the informational account fields and feeds
// the margin monitor.
type AccountSnapshotPayload struct {
	AccountNumber string  `json:"account_number"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin"`
	MarginLevel   float64 `json:"margin_level"`
}

// PriceTickPayload feeds the trail monitor.
type PriceTickPayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"` // decimal string, no float rounding on the wire
}

// ErrorPayload is sent back on malformed or rejected frames.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
