package runtime

import (
	"encoding/json"
	"testing"

	"github.com/kpipeline/kpipeline/shared/wire"
	"github.com/kpipeline/kpipeline/worker/internal/harness"
)

func TestDeliverableFromOk(t *testing.T) {
	d := deliverableFrom(harness.Ok(json.RawMessage(`{"n":1}`)), "host-1", "A", 0, wire.JobID(1))
	if d.JobException != nil || d.WorkerException != nil {
		t.Fatalf("deliverable = %+v, want clean", d)
	}
	if string(d.Result) != `{"n":1}` {
		t.Fatalf("result = %s", d.Result)
	}
}

func TestDeliverableFromJobFailure(t *testing.T) {
	d := deliverableFrom(harness.JobFailure("kbuilder.CheckoutFailed", json.RawMessage(`{}`)), "host-1", "A", 0, wire.JobID(1))
	if d.JobException == nil || d.JobException.Code != "kbuilder.CheckoutFailed" {
		t.Fatalf("jobException = %+v", d.JobException)
	}
	if d.WorkerException != nil {
		t.Fatalf("workerException = %+v, want nil", d.WorkerException)
	}
}

func TestDeliverableFromAborted(t *testing.T) {
	d := deliverableFrom(harness.AbortedByOperator(), "host-1", "A", 0, wire.JobID(1))
	if d.WorkerException == nil || d.WorkerException.Code != wire.WorkerExceptionAborted {
		t.Fatalf("workerException = %+v", d.WorkerException)
	}
}

func TestDeliverableFromYielded(t *testing.T) {
	d := deliverableFrom(harness.YieldedForShutdown(), "host-1", "A", 0, wire.JobID(1))
	if d.WorkerException == nil || d.WorkerException.Code != wire.WorkerExceptionYielded {
		t.Fatalf("workerException = %+v", d.WorkerException)
	}
	if !d.Yielded() {
		t.Fatal("Yielded() should report true")
	}
}

func TestDeliverableFromUnexpectedFailure(t *testing.T) {
	d := deliverableFrom(harness.UnexpectedFailure("runtime.FooError", "trace..."), "host-1", "A", 0, wire.JobID(1))
	if d.WorkerException == nil || d.WorkerException.Code != wire.WorkerExceptionGeneral {
		t.Fatalf("workerException = %+v", d.WorkerException)
	}
	if d.WorkerException.TypeName != "runtime.FooError" {
		t.Fatalf("typeName = %q", d.WorkerException.TypeName)
	}
}
