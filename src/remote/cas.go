package remote

import (
	"context"
	"fmt"
	"io"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
)

// Has reports which of digests the remote CAS already holds, via
// FindMissingBlobs inverted: every digest not returned as missing exists.
func (c *Client) Has(ctx context.Context, digests []digest.Digest) (map[digest.Digest]bool, error) {
	if c == nil {
		return nil, errkind.RemoteCacheUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	req := &pb.FindMissingBlobsRequest{InstanceName: c.instance}
	for _, d := range digests {
		req.BlobDigests = append(req.BlobDigests, toProtoDigest(d))
	}
	resp, err := c.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		log.Warning("remote cas unavailable: %s", err)
		return nil, fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	missing := make(map[string]bool, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		missing[d.Hash] = true
	}
	present := make(map[digest.Digest]bool, len(digests))
	for _, d := range digests {
		present[d] = !missing[d.Hex()]
	}
	return present, nil
}

// Fetch downloads d from the remote CAS into store, choosing the batch RPC
// for small blobs and ByteStream.Read for anything over batchThreshold.
func (c *Client) Fetch(ctx context.Context, store *cas.Store, d digest.Digest) error {
	if c == nil {
		return errkind.RemoteCacheUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	if d.SizeBytes() <= batchThreshold {
		resp, err := c.cas.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
			InstanceName: c.instance,
			Digests:      []*pb.Digest{toProtoDigest(d)},
		})
		if err != nil || len(resp.Responses) != 1 {
			log.Warning("remote cas unavailable: %s", err)
			return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
		}
		if _, err := store.Put(resp.Responses[0].Data); err != nil {
			return err
		}
		return nil
	}
	return c.fetchStreamed(ctx, store, d)
}

func (c *Client) fetchStreamed(ctx context.Context, store *cas.Store, d digest.Digest) error {
	stream, err := c.bs.Read(ctx, &bs.ReadRequest{
		ResourceName: resourceName(c.instance, d, "blobs"),
	})
	if err != nil {
		return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	buf := make([]byte, 0, d.SizeBytes())
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
		}
		buf = append(buf, resp.Data...)
	}
	_, err = store.Put(buf)
	return err
}

// Upload pushes d's contents (read from store) to the remote CAS.
func (c *Client) Upload(ctx context.Context, store *cas.Store, d digest.Digest) error {
	if c == nil {
		return errkind.RemoteCacheUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	r, err := store.Open(d)
	if err != nil {
		return err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) <= batchThreshold {
		_, err := c.cas.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
			InstanceName: c.instance,
			Requests: []*pb.BatchUpdateBlobsRequest_Request{{
				Digest: toProtoDigest(d),
				Data:   data,
			}},
		})
		if err != nil {
			log.Warning("failed to upload blob to remote cas: %s", err)
			return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
		}
		return nil
	}
	return c.uploadStreamed(ctx, d, data)
}

func (c *Client) uploadStreamed(ctx context.Context, d digest.Digest, data []byte) error {
	stream, err := c.bs.Write(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	name := resourceName(c.instance, d, "uploads")
	for offset := 0; offset < len(data) || offset == 0; {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  int64(offset),
			Data:         data[offset:end],
			FinishWrite:  end == len(data),
		}); err != nil {
			return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
		}
		offset = end
		if len(data) == 0 {
			break
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	return nil
}

func resourceName(instance string, d digest.Digest, kind string) string {
	if instance == "" {
		return fmt.Sprintf("%s/%s/%d", kind, d.Hex(), d.SizeBytes())
	}
	return fmt.Sprintf("%s/%s/%s/%d", instance, kind, d.Hex(), d.SizeBytes())
}
