// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package etcd

import (
	"context"
	"errors"
	"io"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"revStore/internal/mvcc"
	"revStore/internal/watch"
	"revStore/pkg/log"
	"revStore/pkg/reliability"
	"revStore/pkg/syncmap"
)

// invalidWatchID marks responses not tied to a watch, as etcd clients expect.
const invalidWatchID = -1

// WatchServer implements the etcd Watch service.
type WatchServer struct {
	pb.UnimplementedWatchServer
	server *Server
}

// Watch serves one bidirectional watch stream. Many watches share the
// stream; each has a stream-local id.
func (s *WatchServer) Watch(stream pb.Watch_WatchServer) error {
	ctx, cancel := context.WithCancel(stream.Context())
	sw := &serverWatchStream{
		srv:    s.server,
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
		subs:   syncmap.NewMap[int64, *watch.Subscription](),
		logger: s.server.logger.With(log.Component("watch-stream")),
	}
	defer sw.close()

	errc := make(chan error, 1)
	reliability.SafeGo("watch-recv", func() {
		errc <- sw.recvLoop()
	})

	select {
	case err := <-errc:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	case <-s.server.stopc:
		return errShuttingDown
	}
}

type serverWatchStream struct {
	srv    *Server
	stream pb.Watch_WatchServer
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	// sendMu serializes stream.Send, which is not safe for concurrent use.
	sendMu sync.Mutex

	// subs maps stream-local ids to subscriptions.
	subs *syncmap.Map[int64, *watch.Subscription]
	// nextID is only touched by the receive loop.
	nextID int64

	wg sync.WaitGroup
}

func (sw *serverWatchStream) recvLoop() error {
	for {
		req, err := sw.stream.Recv()
		if err != nil {
			return err
		}
		switch r := req.RequestUnion.(type) {
		case *pb.WatchRequest_CreateRequest:
			err = sw.create(r.CreateRequest)
		case *pb.WatchRequest_CancelRequest:
			err = sw.cancelWatch(r.CancelRequest.WatchId)
		case *pb.WatchRequest_ProgressRequest:
			err = sw.progress()
		}
		if err != nil {
			return err
		}
	}
}

func (sw *serverWatchStream) send(resp *pb.WatchResponse) error {
	sw.sendMu.Lock()
	defer sw.sendMu.Unlock()
	return sw.stream.Send(resp)
}

// allocID picks the client's id when free, else the next unused one.
func (sw *serverWatchStream) allocID(requested int64) (int64, bool) {
	if requested != 0 {
		if _, taken := sw.subs.Load(requested); taken {
			return 0, false
		}
		return requested, true
	}
	for {
		id := sw.nextID
		sw.nextID++
		if _, taken := sw.subs.Load(id); !taken {
			return id, true
		}
	}
}

func (sw *serverWatchStream) create(cr *pb.WatchCreateRequest) error {
	id, ok := sw.allocID(cr.WatchId)
	if !ok {
		return sw.send(&pb.WatchResponse{
			Header:       toPBHeader(sw.srv.store.Header(sw.srv.store.Rev())),
			WatchId:      invalidWatchID,
			Created:      true,
			Canceled:     true,
			CancelReason: "revstore: watch id already in use",
		})
	}

	sub, header, err := sw.srv.store.Watch(fromPBWatchRequest(cr))
	switch {
	case errors.Is(err, mvcc.ErrCompacted):
		// Reported on an established watch so clients surface the compaction.
		if err := sw.send(&pb.WatchResponse{Header: toPBHeader(header), WatchId: id, Created: true}); err != nil {
			return err
		}
		return sw.send(&pb.WatchResponse{
			Header:          toPBHeader(header),
			WatchId:         id,
			Canceled:        true,
			CancelReason:    err.Error(),
			CompactRevision: sw.srv.store.CompactRevision(),
		})
	case err != nil:
		return sw.send(&pb.WatchResponse{
			Header:       toPBHeader(header),
			WatchId:      invalidWatchID,
			Created:      true,
			Canceled:     true,
			CancelReason: err.Error(),
		})
	}

	sw.subs.Store(id, sub)
	if err := sw.send(&pb.WatchResponse{Header: toPBHeader(header), WatchId: id, Created: true}); err != nil {
		sub.Cancel()
		sw.subs.Delete(id)
		return err
	}

	sw.wg.Add(1)
	reliability.SafeGo("watch-forward", func() {
		defer sw.wg.Done()
		sw.forward(id, sub)
	})
	return nil
}

// forward relays one subscription to the stream until it ends.
func (sw *serverWatchStream) forward(id int64, sub *watch.Subscription) {
	for {
		select {
		case resp, ok := <-sub.Chan():
			if !ok {
				return
			}
			if resp.Canceled {
				sw.subs.CompareAndDelete(id, sub)
			}
			if err := sw.sendFromSub(id, sub, resp); err != nil {
				sw.logger.Debug("watch send failed", log.WatchID(id), zap.Error(err))
				return
			}
			if resp.Canceled {
				return
			}
		case <-sw.ctx.Done():
			return
		}
	}
}

// sendFromSub drops responses of a subscription canceled by the client; the
// cancel response has been or is about to be sent.
func (sw *serverWatchStream) sendFromSub(id int64, sub *watch.Subscription, resp watch.Response) error {
	sw.sendMu.Lock()
	defer sw.sendMu.Unlock()
	if errors.Is(sub.Err(), watch.ErrCanceled) {
		return nil
	}
	rev := resp.Revision
	if rev == 0 {
		rev = sw.srv.store.Rev()
	}
	return sw.stream.Send(&pb.WatchResponse{
		Header:          toPBHeader(sw.srv.store.Header(rev)),
		WatchId:         id,
		Events:          toPBEvents(resp.Events),
		Canceled:        resp.Canceled,
		CancelReason:    resp.CancelReason,
		CompactRevision: resp.CompactRevision,
	})
}

func (sw *serverWatchStream) cancelWatch(id int64) error {
	sub, ok := sw.subs.LoadAndDelete(id)
	if !ok {
		// Already ended on its own; the terminal response went out.
		return nil
	}
	sub.Cancel()
	return sw.send(&pb.WatchResponse{
		Header:   toPBHeader(sw.srv.store.Header(sw.srv.store.Rev())),
		WatchId:  id,
		Canceled: true,
	})
}

// progress asks every watch of the stream for a notification. A stream with
// no watches gets one stream-wide notification.
func (sw *serverWatchStream) progress() error {
	if sw.subs.Len() == 0 {
		return sw.send(&pb.WatchResponse{
			Header:  toPBHeader(sw.srv.store.Header(sw.srv.store.Rev())),
			WatchId: invalidWatchID,
		})
	}
	sw.subs.Range(func(_ int64, sub *watch.Subscription) bool {
		sw.srv.store.RequestProgress(sub)
		return true
	})
	return nil
}

// close cancels every subscription of the stream and waits for the
// forwarders to exit.
func (sw *serverWatchStream) close() {
	sw.cancel()
	sw.subs.Range(func(id int64, sub *watch.Subscription) bool {
		sub.Cancel()
		sw.subs.Delete(id)
		return true
	})
	sw.wg.Wait()
}
