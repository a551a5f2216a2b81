// Package remote implements an optional pluggable remote-cache client
// against the Remote Execution API (REAPI): ActionCache lookups/updates and
// CAS blob existence/fetch/upload. It is never load-bearing for a build: any
// failure degrades to local-only operation, logged at warning and surfaced
// to the caller as errkind.RemoteCacheUnavailable so the caller can choose
// to ignore it.
package remote

import (
	"context"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anvil-build/anvil/src/config"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/logging"
)

var log = logging.MustGetLogger("remote")

// chunkSize is how much of a large blob is sent per ByteStream.Write chunk.
const chunkSize = 128 * 1024

// batchThreshold caps how large a single blob can be and still go through
// the BatchReadBlobs/BatchUpdateBlobs RPCs instead of ByteStream.
const batchThreshold = 4 * 1024 * 1024

// Client talks to a single REAPI endpoint for action-cache and CAS RPCs.
// The zero value is not usable; construct with New.
type Client struct {
	instance string
	timeout  time.Duration
	algo     digest.Algorithm

	conn *grpc.ClientConn
	ac   pb.ActionCacheClient
	cas  pb.ContentAddressableStorageClient
	bs   pb.ByteStreamClient
}

// New dials cfg.Remote.URL and returns a Client, or nil if no remote is
// configured. Dialing itself is lazy: a misconfigured or unreachable
// endpoint surfaces as errkind.RemoteCacheUnavailable on first use, not here.
func New(cfg *config.Configuration, algo digest.Algorithm) (*Client, error) {
	if cfg.Remote.URL == "" {
		return nil, nil
	}
	var creds credentials.TransportCredentials
	if cfg.Remote.TLS {
		creds = credentials.NewTLS(nil)
	} else {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.Dial(cfg.Remote.URL,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(256<<20)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{
		instance: cfg.Remote.InstanceName,
		timeout:  cfg.Remote.Timeout,
		algo:     algo,
		conn:     conn,
		ac:       pb.NewActionCacheClient(conn),
		cas:      pb.NewContentAddressableStorageClient(conn),
		bs:       pb.NewByteStreamClient(conn),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.timeout)
}

func toProtoDigest(d digest.Digest) *pb.Digest {
	return &pb.Digest{Hash: d.Hex(), SizeBytes: d.SizeBytes()}
}

func fromProtoDigest(d *pb.Digest, algo digest.Algorithm) (digest.Digest, error) {
	return digest.FromHex(algo, d.Hash, d.SizeBytes)
}
