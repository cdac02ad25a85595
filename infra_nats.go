package forge

import (
	"context"
	"errors"
	"os"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Infrastructure: Embedded NATS + JetStream KV
////////////////////////////////////////////////////////////////////////////////

func ensureKVBucket(
	ctx context.Context,
	js jetstream.JetStream,
	bucket string,
	history uint8,
	out *jetstream.KeyValue,
) error {
	var cfg jetstream.KeyValueConfig
	cfg.Bucket = bucket
	cfg.History = history

	createdKV, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			existingKV, getErr := js.KeyValue(ctx, bucket)
			if getErr != nil {
				return getErr
			}
			*out = existingKV
			return nil
		}
		return err
	}
	*out = createdKV
	return nil
}

// startEmbeddedNATS boots the in-process broker. The returned dir is only
// non-empty when an ephemeral store was created and must be removed on exit.
func startEmbeddedNATS() (*server.Server, string, string, error) {
	resolution := resolveNATSStoreDir()
	storeDir := resolution.storeDir
	tempDir := ""
	if resolution.isEphemeral {
		created, err := os.MkdirTemp("", "forge-nats-js-*")
		if err != nil {
			return nil, "", "", err
		}
		storeDir = created
		tempDir = created
	}

	var opts server.Options
	opts.ServerName = "embedded-forge"
	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = storeDir
	opts.NoSigs = true

	ns, err := server.NewServer(&opts)
	if err != nil {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		return nil, "", "", err
	}
	ns.ConfigureLogger()
	ns.Start()
	if !ns.ReadyForConnections(defaultStartupWait) {
		ns.Shutdown()
		ns.WaitForShutdown()
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		return nil, "", "", errors.New("nats not ready")
	}
	return ns, ns.ClientURL(), tempDir, nil
}
