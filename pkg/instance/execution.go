//go:build unix

package instance

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/instance-shm/api"
	"github.com/srediag/instance-shm/pkg/arena"
	"github.com/srediag/instance-shm/pkg/wire"
)

const stubExitedMessage = "stub has exited unexpectedly"

// ProcessRequests implements the per-batch execution loop: it
// marshals reqs into the arena, drives one notify/wait round trip with
// the stub, demuxes the response, and sends exactly one final response
// per request. It returns an error only for conditions that violate
// its own preconditions; ordinary per-request and per-batch model
// failures are surfaced as error responses, not as a returned error.
func (inst *Instance) ProcessRequests(ctx context.Context, reqs []api.Request, collector api.InputCollector, stats api.StatsReporter) error {
	if len(reqs) == 0 {
		return nil
	}
	execStart := time.Now()
	preBatchWatermark := inst.a.Watermark()

	hasNull := false
	for _, r := range reqs {
		if r == nil {
			hasNull = true
			break
		}
	}
	if hasNull {
		inst.respondAllError(reqs, collector, "malformed request batch")
		return nil
	}

	totalBatchSize := inst.totalBatchSize(reqs)
	if totalBatchSize == 0 {
		return nil
	}
	if inst.cfg.MaxBatchSize > 0 && totalBatchSize > inst.cfg.MaxBatchSize {
		inst.respondAllError(reqs, collector, "batch size exceeds configured maximum")
		return nil
	}

	// Step 2: allocate the request batch and its request array.
	requestsOff, err := inst.a.Map(uint64(wire.RequestSize) * uint64(len(reqs)))
	if err != nil {
		inst.respondAllError(reqs, collector, "arena allocation failed")
		return nil
	}
	batchOff, err := inst.a.Map(wire.RequestBatchSize)
	if err != nil {
		inst.respondAllError(reqs, collector, "arena allocation failed")
		return nil
	}
	batchMem, err := inst.a.MapOffset(batchOff, wire.RequestBatchSize)
	if err != nil {
		inst.respondAllError(reqs, collector, "arena allocation failed")
		return nil
	}
	reqBatch := wire.NewRequestBatch(batchMem)
	reqBatch.SetBatchSize(uint32(len(reqs)))
	reqBatch.SetRequestsOffset(requestsOff)

	// Step 3: create one response sender per request.
	senders := make([]api.ResponseSender, len(reqs))
	for i, r := range reqs {
		senders[i] = collector.CreateResponse(r)
	}

	// Step 4: marshal, with per-slot guarded error handling.
	for i, r := range reqs {
		if senders[i] == nil {
			continue
		}
		slotMem, err := inst.a.MapOffset(requestsOff+uint64(i)*wire.RequestSize, wire.RequestSize)
		if err != nil {
			inst.failSlot(senders, i, "arena allocation failed")
			continue
		}
		if err := inst.marshalRequest(wire.NewRequest(slotMem), r); err != nil {
			inst.failSlot(senders, i, err.Error())
		}
	}
	computeStart := time.Now()

	// Step 5: gate on stub presence.
	if !inst.hasStub() {
		inst.finishAll(senders, reqs, stats, execStart, computeStart, computeStart, stubExitedMessage)
		inst.resetWatermark(preBatchWatermark)
		return nil
	}

	// Step 6: execute. MaxWaitForStub, when configured, bounds the wait
	// even if the stub keeps reporting liveness without ever signaling.
	waitCtx := ctx
	if inst.cfg.MaxWaitForStub > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, inst.cfg.MaxWaitForStub)
		defer cancel()
	}
	inst.ipcMessage().SetCapacity(inst.a.Capacity())
	inst.ipcMessage().SetRequestBatchOffset(batchOff)
	spanCtx := waitCtx
	var span trace.Span
	if inst.instru != nil {
		spanCtx, span = inst.instru.StartBatchSpan(waitCtx, inst.cfg.Name)
	}
	alive := inst.tp.NotifyAndWait(spanCtx)
	if span != nil {
		span.End()
	}
	computeEnd := time.Now()
	if inst.instru != nil {
		inst.instru.RecordBatchLatency(ctx, inst.cfg.Name, computeEnd.Sub(computeStart))
	}
	if !alive {
		inst.log.Warn().Str("arena", inst.cfg.ArenaName()).Msg("stub lost mid-batch, restarting")
		go inst.attemptRestart(context.Background())
		inst.finishAll(senders, reqs, stats, execStart, computeStart, computeEnd, stubExitedMessage)
		inst.resetWatermark(preBatchWatermark)
		return nil
	}

	// Step 7: parse the response batch.
	respMem, err := inst.a.MapOffset(inst.ipcMessage().ResponseBatchOffset(), wire.ResponseBatchSize)
	if err != nil {
		inst.finishAll(senders, reqs, stats, execStart, computeStart, computeEnd, "failed to read response batch")
		inst.resetWatermark(preBatchWatermark)
		return nil
	}
	respBatch := wire.NewResponseBatch(respMem)
	if respBatch.HasError() {
		msg := "model execution failed"
		if respBatch.IsErrorSet() {
			if decoded, err := wire.LoadString(inst.a, respBatch.MessageOffset()); err == nil {
				msg = decoded
			}
		}
		inst.finishAll(senders, reqs, stats, execStart, computeStart, computeEnd, msg)
		inst.resetWatermark(preBatchWatermark)
		return nil
	}

	// Step 8: per-response demux.
	n := respBatch.BatchSize()
	respArrOff := respBatch.ResponsesOffset()
	for i := range reqs {
		if senders[i] == nil {
			continue
		}
		if uint32(i) >= n {
			inst.failSlot(senders, i, "no response produced")
			continue
		}
		respSlotMem, err := inst.a.MapOffset(respArrOff+uint64(i)*wire.ResponseSize, wire.ResponseSize)
		if err != nil {
			inst.failSlot(senders, i, "failed to read response")
			continue
		}
		resp := wire.NewResponse(respSlotMem)
		if resp.HasError() {
			msg := "request failed"
			if decoded, err := wire.LoadString(inst.a, resp.MessageOffset()); err == nil && decoded != "" {
				msg = decoded
			}
			inst.failSlot(senders, i, msg)
			continue
		}
		if err := inst.sendOutputs(senders[i], reqs[i], resp); err != nil {
			inst.failSlot(senders, i, err.Error())
			continue
		}
		senders[i] = nil
		execEnd := time.Now()
		if stats != nil {
			stats.ReportRequestStats(reqs[i].ID(), execStart, computeStart, computeEnd, execEnd)
		}
	}

	if stats != nil {
		stats.ReportBatchStats(len(reqs), execStart, time.Now())
	}

	// Step 10: reset arena watermark.
	inst.resetWatermark(preBatchWatermark)
	return nil
}

func (inst *Instance) totalBatchSize(reqs []api.Request) int {
	if !inst.cfg.BatchingEnabled {
		return len(reqs)
	}
	total := 0
	for _, r := range reqs {
		if r.InputCount() == 0 {
			continue
		}
		dims := r.Input(0).Dims()
		if len(dims) == 0 {
			continue
		}
		total += int(dims[0])
	}
	return total
}

func (inst *Instance) marshalRequest(rec wire.Request, r api.Request) error {
	idOff, err := wire.SaveString(inst.a, r.ID())
	if err != nil {
		return err
	}
	rec.SetIDOffset(idOff)
	rec.SetCorrelationID(r.CorrelationID())

	inputCount := r.InputCount()
	rec.SetInputCount(uint32(inputCount))
	if inputCount > 0 {
		inputsOff, err := inst.a.Map(uint64(wire.TensorSize) * uint64(inputCount))
		if err != nil {
			return err
		}
		rec.SetInputsOffset(inputsOff)
		for j := 0; j < inputCount; j++ {
			in := r.Input(j)
			if in.ByteSize() > arena.MaxTensorBytes {
				return fmt.Errorf("input %q exceeds maximum supported size", in.Name())
			}
			slotMem, err := inst.a.MapOffset(inputsOff+uint64(j)*wire.TensorSize, wire.TensorSize)
			if err != nil {
				return err
			}
			if err := wire.WriteTensor(inst.a, slotMem, wire.TensorSpec{
				Name:     in.Name(),
				DType:    wire.DType(in.DType()),
				Dims:     in.Dims(),
				ByteSize: in.ByteSize(),
				CopyInto: in.CopyInto,
			}); err != nil {
				return err
			}
		}
	}

	names := r.RequestedOutputNames()
	if len(names) > 0 {
		namesOff, err := wire.SaveStringArray(inst.a, names)
		if err != nil {
			return err
		}
		rec.SetOutputCount(uint32(len(names)))
		rec.SetRequestedOutputNamesOffset(namesOff)
	}
	return nil
}

// sendOutputs implements the output-filtering rule:
// only outputs whose names appear in the request's requested-output
// set are copied into the response.
func (inst *Instance) sendOutputs(sender api.ResponseSender, r api.Request, resp wire.Response) error {
	requested := make(map[string]bool, len(r.RequestedOutputNames()))
	for _, n := range r.RequestedOutputNames() {
		requested[n] = true
	}

	outputs := make(map[string]api.OutputTensor, resp.OutputCount())
	outArrOff := resp.OutputsOffset()
	for i := uint32(0); i < resp.OutputCount(); i++ {
		descMem, err := inst.a.MapOffset(outArrOff+uint64(i)*wire.TensorSize, wire.TensorSize)
		if err != nil {
			return err
		}
		desc := wire.NewTensor(descMem)
		name, err := wire.LoadString(inst.a, desc.NameOffset())
		if err != nil {
			return err
		}
		if !requested[name] {
			continue
		}
		dims, err := wire.LoadDims(inst.a, desc)
		if err != nil {
			return err
		}
		rawMem, err := inst.a.MapOffset(desc.RawDataOffset(), wire.RawDataSize)
		if err != nil {
			return err
		}
		raw := wire.NewRawData(rawMem)
		payload, err := inst.a.MapOffset(raw.PayloadOffset(), raw.ByteSize())
		if err != nil {
			return err
		}
		out, err := sender.AllocateOutput(name, uint32(desc.DType()), dims, raw.ByteSize())
		if err != nil {
			return err
		}
		copy(out.Bytes(), payload)
		outputs[name] = out
	}
	if err := sender.SendSuccess(outputs); err != nil {
		inst.log.Warn().Err(err).Str("request", r.ID()).Msg("failed to send final response")
	}
	return nil
}

func (inst *Instance) failSlot(senders []api.ResponseSender, i int, message string) {
	if senders[i] == nil {
		return
	}
	_ = senders[i].SendError(message)
	senders[i] = nil
}

func (inst *Instance) finishAll(senders []api.ResponseSender, reqs []api.Request, stats api.StatsReporter, execStart, computeStart, computeEnd time.Time, message string) {
	for i := range senders {
		if senders[i] == nil {
			continue
		}
		_ = senders[i].SendError(message)
		if stats != nil {
			stats.ReportRequestStats(reqs[i].ID(), execStart, computeStart, computeEnd, time.Now())
		}
		senders[i] = nil
	}
	if stats != nil {
		stats.ReportBatchStats(len(reqs), execStart, time.Now())
	}
}

func (inst *Instance) respondAllError(reqs []api.Request, collector api.InputCollector, message string) {
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if sender := collector.CreateResponse(r); sender != nil {
			_ = sender.SendError(message)
		}
	}
}

// resetWatermark reclaims scratch space after a batch: every byte it
// allocates, requests and responses alike, is scratch that the next
// batch's marshal phase is free to overwrite.
func (inst *Instance) resetWatermark(preBatchWatermark uint64) {
	if err := inst.a.SetWatermark(preBatchWatermark); err != nil {
		inst.log.Warn().Err(err).Msg("failed to reset arena watermark after batch")
	}
}

func (inst *Instance) attemptRestart(ctx context.Context) {
	if err := inst.Reload(ctx); err != nil {
		inst.log.Error().Err(err).Msg("stub restart failed, instance is stub-less until next attempt")
	}
}
