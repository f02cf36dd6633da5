package coordination

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/groupcall/internal/domain"
)

// Envelope fields shared by every frame. Requests and their responses are
// matched by Extra; frames without Extra are server pushes.
type envelope struct {
	Type  string `json:"@type"`
	Extra string `json:"@extra,omitempty"`
}

const (
	typeOK    = "ok"
	typeError = "error"

	typeUpdateGroupCall            = "updateGroupCall"
	typeUpdateGroupCallParticipant = "updateGroupCallParticipant"
)

// RPCError is an error answer of the coordination service.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("coordination: %d %s", e.Code, e.Message)
}

type updateGroupCall struct {
	GroupCall domain.GroupCall `json:"group_call"`
}

type updateGroupCallParticipant struct {
	GroupCallID domain.CallID      `json:"group_call_id"`
	Participant domain.Participant `json:"participant"`
}

type createdCall struct {
	ID domain.CallID `json:"id"`
}

type joinResponse struct {
	Payload domain.TransportParams `json:"payload"`
}

// request builds the frame of method with params merged at the top level.
func request(method, extra string, params map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(params)+2)
	for k, v := range params {
		frame[k] = v
	}
	frame["@type"] = method
	frame["@extra"] = extra
	return json.Marshal(frame)
}
