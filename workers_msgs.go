package forge

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

////////////////////////////////////////////////////////////////////////////////
// Pipeline messages
////////////////////////////////////////////////////////////////////////////////

// BuildOpMsg travels the worker chain. Err short-circuits every downstream
// worker: once set, workers forward the message without doing work.
type BuildOpMsg struct {
	BuildID  string     `json:"build_id"`
	Kind     BuildKind  `json:"kind"`
	RecipeID string     `json:"recipe_id"`
	Variant  string     `json:"variant"`
	Spec     RecipeSpec `json:"spec"`
	Err      string     `json:"err,omitempty"`
	At       time.Time  `json:"at"`
}

type BuildResultMsg struct {
	BuildID   string     `json:"build_id"`
	Kind      BuildKind  `json:"kind"`
	RecipeID  string     `json:"recipe_id"`
	Variant   string     `json:"variant"`
	Spec      RecipeSpec `json:"spec"`
	Worker    string     `json:"worker"`
	Message   string     `json:"message,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	Err       string     `json:"err,omitempty"`
	At        time.Time  `json:"at"`
}

func newBuildResultMsg(message string) BuildResultMsg {
	return BuildResultMsg{
		BuildID:   "",
		Kind:      "",
		RecipeID:  "",
		Variant:   "",
		Spec:      RecipeSpec{},
		Worker:    "",
		Message:   message,
		Artifacts: nil,
		Err:       "",
		At:        time.Time{},
	}
}

func skipBuildResult(opMsg BuildOpMsg, workerName string) BuildResultMsg {
	res := newBuildResultMsg("skipped due to upstream error")
	res.BuildID = opMsg.BuildID
	res.Kind = opMsg.Kind
	res.RecipeID = opMsg.RecipeID
	res.Variant = opMsg.Variant
	res.Spec = opMsg.Spec
	res.Worker = workerName
	res.Err = opMsg.Err
	res.At = time.Now().UTC()
	return res
}

func finalizeBuildResult(
	opMsg BuildOpMsg,
	workerName string,
	res BuildResultMsg,
) BuildResultMsg {
	res.Worker = workerName
	res.BuildID = opMsg.BuildID
	res.Kind = opMsg.Kind
	res.RecipeID = opMsg.RecipeID
	res.Variant = opMsg.Variant
	res.Spec = opMsg.Spec
	if res.Err == "" {
		res.Err = opMsg.Err
	}
	res.At = time.Now().UTC()
	return res
}

func publishBuildResult(nc *nats.Conn, subject string, res BuildResultMsg) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return nc.Publish(subject, body)
}

// subscribeFinalResults feeds the API waiter hub from the last chain subject.
func subscribeFinalResults(nc *nats.Conn, waiters *waiterHub) (*nats.Subscription, error) {
	return nc.Subscribe(subjectAuditDone, func(m *nats.Msg) {
		var res BuildResultMsg
		if err := json.Unmarshal(m.Data, &res); err != nil {
			return
		}
		waiters.deliver(res.BuildID, res)
	})
}
