package forge

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Worker runtime loop
////////////////////////////////////////////////////////////////////////////////

// startWorker subscribes to one subject (unique per worker), does work, and
// publishes a result for the next worker.
func startWorker(
	ctx context.Context,
	workerName, natsURL, inSubj, outSubj string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
	fn workerFn,
) error {
	workerLog := appLoggerForProcess().Source(workerName)
	go runWorkerLoop(ctx, workerName, natsURL, inSubj, outSubj, artifacts, buildEvents, fn, workerLog)

	return nil
}

func runWorkerLoop(
	ctx context.Context,
	workerName, natsURL, inSubj, outSubj string,
	artifacts ArtifactStore,
	buildEvents *buildEventHub,
	fn workerFn,
	workerLog sourceLogger,
) {
	nc, err := nats.Connect(natsURL, nats.Name(workerName))
	if err != nil {
		workerLog.Errorf("connect error: %v", err)
		return
	}
	defer func() {
		if drainErr := nc.Drain(); drainErr != nil {
			workerLog.Warnf("drain error: %v", drainErr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		workerLog.Errorf("jetstream error: %v", err)
		return
	}
	store, err := newStore(ctx, js)
	if err != nil {
		workerLog.Errorf("store error: %v", err)
		return
	}
	store.setEvents(buildEvents)
	workerLog.Infof("ready: subscribe=%s publish=%s", inSubj, outSubj)

	sub, err := nc.Subscribe(inSubj, func(m *nats.Msg) {
		handleWorkerMessage(
			ctx,
			store,
			artifacts,
			workerName,
			inSubj,
			outSubj,
			fn,
			nc,
			m,
			workerLog,
		)
	})
	if err != nil {
		workerLog.Errorf("subscribe error: %v", err)
		return
	}
	defer func() {
		if unSubErr := sub.Unsubscribe(); unSubErr != nil {
			workerLog.Warnf("unsubscribe error: %v", unSubErr)
		}
	}()

	_ = nc.Flush()
	<-ctx.Done()
}

func handleWorkerMessage(
	ctx context.Context,
	store *Store,
	artifacts ArtifactStore,
	workerName, inSubj, outSubj string,
	fn workerFn,
	nc *nats.Conn,
	m *nats.Msg,
	workerLog sourceLogger,
) {
	var opMsg BuildOpMsg
	unmarshalErr := json.Unmarshal(m.Data, &opMsg)
	if unmarshalErr != nil {
		workerLog.Warnf("discarding invalid message on %s: %v", inSubj, unmarshalErr)
		return
	}
	if opMsg.Err != "" {
		workerLog.Warnf("skip build=%s due to upstream error: %s", opMsg.BuildID, opMsg.Err)
		publishErr := publishBuildResult(nc, outSubj, skipBuildResult(opMsg, workerName))
		if publishErr != nil {
			workerLog.Errorf(
				"publish result failed build=%s subject=%s: %v",
				opMsg.BuildID,
				outSubj,
				publishErr,
			)
		}
		return
	}

	workerLog.Infof("start build=%s kind=%s recipe=%s", opMsg.BuildID, opMsg.Kind, opMsg.RecipeID)
	res, workerErr := fn(ctx, store, artifacts, opMsg)
	if workerErr != nil {
		res.Err = workerErr.Error()
		workerLog.Errorf("build=%s failed: %v", opMsg.BuildID, workerErr)
	} else {
		workerLog.Infof("done build=%s message=%q artifacts=%d", opMsg.BuildID, res.Message, len(res.Artifacts))
	}
	publishErr := publishBuildResult(nc, outSubj, finalizeBuildResult(opMsg, workerName, res))
	if publishErr != nil {
		workerLog.Errorf(
			"publish result failed build=%s subject=%s: %v",
			opMsg.BuildID,
			outSubj,
			publishErr,
		)
	}
}
