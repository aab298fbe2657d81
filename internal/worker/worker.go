package worker

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/cache"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/wire"
)

// Worker is the long-lived child process: one global renderer instance,
// one process-local Cache Manager, reading framed messages from a pipe and
// dispatching them to operations.
type Worker struct {
	ID       string
	Cache    *cache.Manager
	Cfg      *config.Store
	Renderer Renderer

	in      *bufio.Reader
	out     io.Writer
	rendez  io.Writer // rendezvous FIFO, opened for writing by the child
	cancel  atomic.Bool
}

// New constructs a Worker reading from in and writing replies to out, with
// rendez as the (already-opened) rendezvous FIFO write end.
func New(id string, cacheMgr *cache.Manager, cfg *config.Store, renderer Renderer, in io.Reader, out, rendez io.Writer) *Worker {
	cacheMgr.SetReleaseHook(func(p cache.ProjectHandle) {
		renderer.ReleaseProjectConfig(p.FileName())
	})
	return &Worker{
		ID:       id,
		Cache:    cacheMgr,
		Cfg:      cfg,
		Renderer: renderer,
		in:       bufio.NewReader(in),
		out:      out,
		rendez:   rendez,
	}
}

// InstallSignalHandler registers the SIGHUP cancellation handler. The flag
// is observed by the current operation at chunk boundaries; nothing unwinds
// through the renderer.
func (w *Worker) InstallSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			w.cancel.Store(true)
		}
	}()
}

// Cancelled reports whether a cancellation has been signalled since the
// last ResetCancel call.
func (w *Worker) Cancelled() bool { return w.cancel.Load() }

// ResetCancel clears the cancellation flag, called once per request at
// dispatch entry.
func (w *Worker) ResetCancel() { w.cancel.Store(false) }

func (w *Worker) signalDone() {
	if w.rendez != nil {
		_, _ = w.rendez.Write([]byte{0x00})
	}
}

func (w *Worker) signalBusy() {
	if w.rendez != nil {
		_, _ = w.rendez.Write([]byte{0x01})
	}
}

// Run is the blocking receive loop: it reads one frame, dispatches it, and
// repeats until MsgQuit is handled or the pipe closes.
func (w *Worker) Run() error {
	for {
		w.signalDone()
		frame, err := wire.ReadFrame(w.in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return apperror.Wrap(apperror.KindInternal, err, "worker %s: reading request frame", w.ID)
		}
		w.signalBusy()
		w.ResetCancel()

		quit, err := w.dispatch(frame)
		if err != nil {
			log.Errorf("worker: dispatch error", err)
		}
		if quit {
			return nil
		}
	}
}

// header extracts msg_id without committing to a concrete message type.
type header struct {
	MsgID wire.MsgType `codec:"msg_id"`
}

// dispatch decodes frame's msg_id and routes to the matching operation.
// Returns true if the worker should exit (MsgQuit).
func (w *Worker) dispatch(frame []byte) (bool, error) {
	var h header
	if err := wire.Decode(frame, &h); err != nil {
		return false, wire.SendReplyErr(w.out, err)
	}

	switch h.MsgID {
	case wire.MsgPing:
		var m wire.PingMsg
		_ = wire.Decode(frame, &m)
		return false, wire.SendReply(w.out, wire.StatusOK, map[string]string{"echo": m.Echo})

	case wire.MsgQuit:
		_ = wire.SendReply(w.out, wire.StatusOK, nil)
		return true, nil

	case wire.MsgOwsRequest:
		var m wire.OwsRequestMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleOwsRequest(m)

	case wire.MsgApiRequest:
		var m wire.ApiRequestMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleApiRequest(m)

	case wire.MsgCheckoutProject:
		var m wire.CheckoutProjectMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleCheckoutProject(m)

	case wire.MsgDropProject:
		var m wire.DropProjectMsg
		_ = wire.Decode(frame, &m)
		entry := w.Cache.Drop(m.URI)
		return false, wire.SendReply(w.out, wire.StatusOK, cacheInfoFor(m.URI, cache.StatusRemoved, entry, false))

	case wire.MsgClearCache:
		w.Cache.Clear()
		return false, wire.SendReply(w.out, wire.StatusOK, nil)

	case wire.MsgListCache:
		var m wire.ListCacheMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleListCache(m)

	case wire.MsgUpdateCache:
		entries, statuses, err := w.Cache.UpdateCache()
		if err != nil {
			return false, wire.SendReplyErr(w.out, err)
		}
		for i, e := range entries {
			_ = wire.SendChunkValue(w.out, cacheInfoFor(e.MD.URI, statuses[i], e, true))
		}
		return false, wire.SendEOT(w.out)

	case wire.MsgCatalog:
		var m wire.CatalogMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleCatalog(m)

	case wire.MsgProjectInfo:
		var m wire.GetProjectInfoMsg
		_ = wire.Decode(frame, &m)
		return false, w.handleProjectInfo(m)

	case wire.MsgPlugins:
		// Plugins are declared in configuration; loading mechanics live in
		// the renderer, so the worker only reports the declared list.
		for _, p := range w.Cfg.Get().Plugins {
			if err := wire.SendChunkValue(w.out, wire.PluginInfo{Name: p.Name, Path: p.Path, PluginType: p.Type}); err != nil {
				return false, err
			}
		}
		return false, wire.SendEOT(w.out)

	case wire.MsgPutConfig:
		var m wire.PutConfigMsg
		_ = wire.Decode(frame, &m)
		return false, w.handlePutConfig(m)

	case wire.MsgGetConfig:
		return false, wire.SendReply(w.out, wire.StatusOK, w.Cfg.Get())

	case wire.MsgEnv:
		return false, wire.SendReply(w.out, wire.StatusOK, os.Environ())

	case wire.MsgStats:
		return false, wire.SendReply(w.out, wire.StatusOK, map[string]any{"cache_entries": w.Cache.Len()})

	case wire.MsgSleep:
		var m wire.SleepMsg
		_ = wire.Decode(frame, &m)
		deadline := time.Now().Add(time.Duration(m.Delay) * time.Second)
		for time.Now().Before(deadline) {
			if w.Cancelled() {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		return false, wire.SendReply(w.out, wire.StatusOK, nil)

	default:
		return false, wire.SendReplyErr(w.out, apperror.New(apperror.KindInvalidArgument, "unknown msg_id %d", h.MsgID))
	}
}

func cacheInfoFor(uri string, status cache.CheckoutStatus, e *cache.CacheEntry, inCache bool) wire.CacheInfo {
	info := wire.CacheInfo{URI: uri, Status: int(status), InCache: inCache && e != nil, DebugMetadata: map[string]int64{}}
	if e != nil {
		info.CacheID = e.MD.URI
		info.Timestamp = e.Timestamp
		info.Name = e.MD.Name
		info.Storage = e.MD.Storage
		info.DebugMetadata["load_memory_bytes"] = e.Debug.LoadMemoryBytes
		info.DebugMetadata["load_time_ms"] = e.Debug.LoadTimeMS
		info.LastHit = e.LastHit()
		info.Hits = e.Hits()
		info.Pinned = e.Pinned()
	}
	return info
}

func (w *Worker) handleCheckoutProject(m wire.CheckoutProjectMsg) error {
	u, err := w.resolveTarget(m.URI, false)
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	result, status, err := w.Cache.Checkout(u)
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	if status == cache.StatusUnchanged {
		// An explicit pull of a resident, current entry pins it in place.
		if entry, ok := result.(*cache.CacheEntry); ok && m.Pull {
			entry.Pin()
		}
		return wire.SendReply(w.out, wire.StatusOK, cacheInfoFromCheckout(m.URI, status, result))
	}
	if !m.Pull || status == cache.StatusNotFound {
		return wire.SendReply(w.out, wire.StatusOK, cacheInfoFromCheckout(m.URI, status, result))
	}
	md := toMetadata(status, result)
	entry, newStatus, err := w.Cache.Update(md, status, true)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindCapacityExhausted {
			// The pipe envelope reports a refused pull-and-insert as 403;
			// the request-triggered load path keeps its own 409 projection.
			return wire.SendReply(w.out, 403, map[string]string{"error": "max object reached on server"})
		}
		return wire.SendReplyErr(w.out, err)
	}
	return wire.SendReply(w.out, wire.StatusOK, cacheInfoFor(m.URI, newStatus, entry, true))
}

func cacheInfoFromCheckout(uri string, status cache.CheckoutStatus, result any) wire.CacheInfo {
	switch v := result.(type) {
	case *cache.CacheEntry:
		return cacheInfoFor(uri, status, v, true)
	default:
		return cacheInfoFor(uri, status, nil, false)
	}
}

func toMetadata(status cache.CheckoutStatus, result any) cache.ProjectMetadata {
	switch v := result.(type) {
	case cache.ProjectMetadata:
		return v
	case *cache.CacheEntry:
		return v.MD
	default:
		return cache.ProjectMetadata{}
	}
}

func (w *Worker) handleListCache(m wire.ListCacheMsg) error {
	for _, e := range w.Cache.Iter() {
		if m.StatusFilter != nil && int(cache.StatusUnchanged) != *m.StatusFilter {
			continue
		}
		if err := wire.SendChunkValue(w.out, cacheInfoFor(e.MD.URI, cache.StatusUnchanged, e, true)); err != nil {
			return err
		}
	}
	return wire.SendEOT(w.out)
}

func (w *Worker) handleCatalog(m wire.CatalogMsg) error {
	mds, err := w.Cache.CollectProjects(m.Location)
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	for _, md := range mds {
		item := wire.CatalogItem{
			URI:          md.URI,
			Name:         md.Name,
			Storage:      md.Storage,
			LastModified: fmt.Sprintf("%d", md.LastModified),
			PublicURI:    md.URI,
		}
		if err := wire.SendChunkValue(w.out, item); err != nil {
			return err
		}
	}
	return wire.SendEOT(w.out)
}

func (w *Worker) handleProjectInfo(m wire.GetProjectInfoMsg) error {
	u, err := w.resolveTarget(m.URI, false)
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	result, status, err := w.Cache.Checkout(u)
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	if status == cache.StatusNotFound {
		return wire.SendReply(w.out, 404, nil)
	}
	md := toMetadata(status, result)
	return wire.SendReply(w.out, wire.StatusOK, wire.ProjectInfo{
		Status:       int(status),
		URI:          md.URI,
		Filename:     md.Name,
		LastModified: fmt.Sprintf("%d", md.LastModified),
		Storage:      md.Storage,
	})
}

func (w *Worker) handlePutConfig(m wire.PutConfigMsg) error {
	if m.Config == "" {
		return wire.SendReply(w.out, 403, nil)
	}
	cfg, err := w.Cfg.Get().Merge([]byte(m.Config))
	if err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	w.Cfg.Swap(cfg)
	log.SetLevel(log.Level(cfg.Logging.Level))
	return wire.SendReply(w.out, wire.StatusOK, nil)
}

func parseURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid project uri %q", uri)
	}
	return u, nil
}
