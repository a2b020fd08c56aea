package coordinator

import "fmt"

// CoordMessage is the coordination wire format carried inside a broker
// message payload.
type CoordMessage struct {
	ID               string                 `json:"id"`
	AgentID          string                 `json:"agent_id"`
	AgentType        AgentType              `json:"agent_type,omitempty"`
	MessageType      string                 `json:"message_type"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	Priority         int                    `json:"priority"`
	RequiresResponse bool                   `json:"requires_response"`
	CorrelationID    string                 `json:"correlation_id"`
}

// ToPayload flattens the message into a broker payload map.
func (m *CoordMessage) ToPayload() map[string]interface{} {
	return map[string]interface{}{
		"id":                m.ID,
		"agent_id":          m.AgentID,
		"agent_type":        string(m.AgentType),
		"message_type":      m.MessageType,
		"payload":           m.Payload,
		"priority":          m.Priority,
		"requires_response": m.RequiresResponse,
		"correlation_id":    m.CorrelationID,
	}
}

// CoordFromPayload reconstructs a coordination message from a broker
// payload. Numeric fields round-trip through JSON as float64.
func CoordFromPayload(payload map[string]interface{}) (*CoordMessage, error) {
	mt, _ := payload["message_type"].(string)
	if mt == "" {
		return nil, fmt.Errorf("coordinator: payload missing message_type")
	}
	m := &CoordMessage{MessageType: mt}
	m.ID, _ = payload["id"].(string)
	m.AgentID, _ = payload["agent_id"].(string)
	if s, ok := payload["agent_type"].(string); ok {
		m.AgentType = AgentType(s)
	}
	if inner, ok := payload["payload"].(map[string]interface{}); ok {
		m.Payload = inner
	}
	switch v := payload["priority"].(type) {
	case float64:
		m.Priority = int(v)
	case int:
		m.Priority = v
	}
	m.RequiresResponse, _ = payload["requires_response"].(bool)
	m.CorrelationID, _ = payload["correlation_id"].(string)
	return m, nil
}
