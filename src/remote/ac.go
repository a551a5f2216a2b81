package remote

import (
	"context"
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/task"
)

// GetActionResult looks up actionDigest in the remote Action Cache. A
// genuine miss returns errkind.AcMissing; any other failure (unreachable
// endpoint, timeout) returns errkind.RemoteCacheUnavailable so the caller
// can fall back to local execution instead of failing the build.
func (c *Client) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*task.ActionResult, error) {
	if c == nil {
		return nil, errkind.RemoteCacheUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	resp, err := c.ac.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: toProtoDigest(actionDigest),
	})
	if status.Code(err) == codes.NotFound {
		return nil, errkind.AcMissing
	}
	if err != nil {
		log.Warning("remote action cache unavailable: %s", err)
		return nil, fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	return fromProtoActionResult(resp, c.algo)
}

// UpdateActionResult pushes result to the remote Action Cache under
// actionDigest. Failures are non-fatal: they're logged and reported as
// errkind.RemoteCacheUnavailable, never propagated as a build failure.
func (c *Client) UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result *task.ActionResult) error {
	if c == nil {
		return errkind.RemoteCacheUnavailable
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	proto, err := toProtoActionResult(result, c.algo)
	if err != nil {
		return err
	}
	_, err = c.ac.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: toProtoDigest(actionDigest),
		ActionResult: proto,
	})
	if err != nil {
		log.Warning("failed to push action result to remote cache: %s", err)
		return fmt.Errorf("%w: %s", errkind.RemoteCacheUnavailable, err)
	}
	return nil
}

func toProtoActionResult(r *task.ActionResult, algo digest.Algorithm) (*pb.ActionResult, error) {
	out := &pb.ActionResult{
		ExitCode:     r.ExitCode,
		StdoutDigest: toProtoDigest(r.StdoutDigest),
		StderrDigest: toProtoDigest(r.StderrDigest),
	}
	for _, f := range r.OutputFiles {
		if f.IsSymlink {
			out.OutputFileSymlinks = append(out.OutputFileSymlinks, &pb.OutputSymlink{
				Path:   f.Path,
				Target: f.SymlinkTarget,
			})
			continue
		}
		out.OutputFiles = append(out.OutputFiles, &pb.OutputFile{
			Path:         f.Path,
			Digest:       toProtoDigest(f.Digest),
			IsExecutable: f.ExecutableBit,
		})
	}
	return out, nil
}

func fromProtoActionResult(r *pb.ActionResult, algo digest.Algorithm) (*task.ActionResult, error) {
	stdout, err := fromProtoDigest(r.StdoutDigest, algo)
	if err != nil {
		return nil, err
	}
	stderr, err := fromProtoDigest(r.StderrDigest, algo)
	if err != nil {
		return nil, err
	}
	result := &task.ActionResult{
		ExitCode:     r.ExitCode,
		StdoutDigest: stdout,
		StderrDigest: stderr,
	}
	for _, f := range r.OutputFiles {
		d, err := fromProtoDigest(f.Digest, algo)
		if err != nil {
			return nil, err
		}
		result.OutputFiles = append(result.OutputFiles, task.FileNode{
			Path:          f.Path,
			Digest:        d,
			ExecutableBit: f.IsExecutable,
		})
	}
	for _, s := range r.OutputFileSymlinks {
		result.OutputFiles = append(result.OutputFiles, task.FileNode{
			Path:          s.Path,
			IsSymlink:     true,
			SymlinkTarget: s.Target,
		})
	}
	return result, nil
}
