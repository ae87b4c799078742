package main

import (
	"context"
	"encoding/json"

	"github.com/kpipeline/kpipeline/worker/internal/harness"
)

// echoTask is the demonstration task bound to the "echo" workerType: it
// returns its stage argument unchanged as the stage result.
type echoTask struct{}

func (echoTask) OnTask(_ context.Context, h *harness.Harness) (json.RawMessage, error) {
	if len(h.Argument) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return h.Argument, nil
}

func echoTaskFactory(_ json.RawMessage) (harness.Task, error) {
	return echoTask{}, nil
}
