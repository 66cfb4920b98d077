package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/corvidae/nostrcore/internal/types"
)

const kindGiftWrap = 1059
const kindRelayList = 10002
const kindContactList = 3
const kindMetadata = 0
const kindMuteList = 10000
const kindFollowSets = 30000
const kindNostrConnect = 24133
const kindEncryptedDM = 4

var epoch2020 = nostr.Timestamp(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix())

// computeSince implements compute_since:
// max(last_general_eose - overlap, now - chunk, 2020-01-01T00:00:00Z).
func computeSince(lastEOSE nostr.Timestamp, overlapSecs, chunkSecs int) nostr.Timestamp {
	now := nostr.Now()
	a := lastEOSE - nostr.Timestamp(overlapSecs)
	b := now - nostr.Timestamp(chunkSecs)
	since := a
	if b > since {
		since = b
	}
	if epoch2020 > since {
		since = epoch2020
	}
	return since
}

// buildFilters constructs the filter set for handles whose "since"
// bookkeeping the worker itself owns ("Specific
// subscriptions"). Handles not covered here are expected to arrive
// with job.Filters already populated by the caller.
func (w *Worker) buildFilters(job types.Job) []nostr.Filter {
	switch job.Handle {
	case types.HandleGeneralFeed:
		return w.buildGeneralFeedFilters(job)
	case types.HandleMentionsFeed:
		return w.buildMentionsFeedFilters(job)
	default:
		return job.Filters
	}
}

func (w *Worker) buildGeneralFeedFilters(job types.Job) []nostr.Filter {
	if w.generalFeedStart == 0 {
		w.generalFeedStart = nostr.Now()
	}
	chunk := job.ChunkSecs
	if chunk == 0 {
		chunk = 60 * 60 * 24 * 2
	}
	since := computeSince(w.lastGeneralEOSE, 120, chunk)
	main := nostr.Filter{
		Authors: job.PubKeys,
		Kinds:   job.FeedKinds,
		Since:   &since,
	}
	filters := []nostr.Filter{main}
	if len(job.StaleRelayListAuthors) > 0 {
		filters = append(filters, nostr.Filter{
			Authors: job.StaleRelayListAuthors,
			Kinds:   []int{kindRelayList, kindContactList},
		})
	}
	return filters
}

func (w *Worker) buildMentionsFeedFilters(job types.Job) []nostr.Filter {
	repliesChunk := job.RepliesChunkSecs
	if repliesChunk == 0 {
		repliesChunk = 60 * 60 * 24 * 7
	}
	since := computeSince(w.lastGeneralEOSE, 120, repliesChunk)

	authors := job.PubKeys
	if job.RestrictAuthorsSpamsafe {
		authors = job.PubKeys // caller is expected to have pre-restricted to followed set
	}

	main := nostr.Filter{
		Kinds: job.FeedKinds,
		Tags:  nostr.TagMap{"p": {job.MePubKey}},
		Since: &since,
	}
	if len(authors) > 0 {
		main.Authors = authors
	}

	giftWrapSince := since - nostr.Timestamp(7*24*60*60)
	giftWrap := nostr.Filter{
		Kinds: []int{kindGiftWrap},
		Tags:  nostr.TagMap{"p": {job.MePubKey}},
		Since: &giftWrapSince,
	}
	return []nostr.Filter{main, giftWrap}
}

func (w *Worker) subscribe(ctx context.Context, job types.Job) {
	filters := job.Filters
	if filters == nil {
		filters = w.buildFilters(job)
	}

	if existing, ok := w.subs[job.Handle]; ok {
		if job.Handle == types.HandleGeneralFeed {
			w.lastGeneralEOSE = nostr.Now()
		}
		oldJobID := existing.JobID
		existing.Filters = filters
		existing.JobID = job.ID
		if err := w.send(ctx, reqFrame(existing.WireID, filters)); err != nil {
			w.log.Printf("re-REQ failed for %s: %v", job.Handle, err)
			return
		}
		w.report(JobUpdated{URL: w.URL, OldJobID: oldJobID, NewJobID: job.ID})
		return
	}

	wireID := newWireID()
	sub := &types.Subscription{
		Handle:  job.Handle,
		WireID:  wireID,
		Filters: filters,
		JobID:   job.ID,
	}
	w.subs[job.Handle] = sub
	w.wireIdx[wireID] = job.Handle
	if err := w.send(ctx, reqFrame(wireID, filters)); err != nil {
		w.log.Printf("REQ failed for %s: %v", job.Handle, err)
	}
}

func (w *Worker) unsubscribe(ctx context.Context, handle types.SubscriptionHandle) {
	sub, ok := w.subs[handle]
	if !ok {
		return
	}
	_ = w.send(ctx, []any{"CLOSE", sub.WireID})
	delete(w.wireIdx, sub.WireID)
	delete(w.subs, handle)
	w.report(JobComplete{URL: w.URL, JobID: sub.JobID})
}

func reqFrame(wireID string, filters []nostr.Filter) []any {
	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, "REQ", wireID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return frame
}

func (w *Worker) postEvent(ctx context.Context, job types.Job) {
	evt := job.PostEvent
	w.postingJobs[job.ID] = &postingJob{jobID: job.ID, pending: map[string]struct{}{evt.ID: {}}}
	w.eventToJob[evt.ID] = job.ID
	w.pendingEvents[evt.ID] = evt
	if err := w.send(ctx, []any{"EVENT", evt}); err != nil {
		w.log.Printf("EVENT publish failed: %v", err)
	}
}

// periodicTask runs every w.cfg.Timeouts.WorkerTask (3s by default):
// batch-issue a temp_events_N subscription for unasked sought events,
// and re-send the REQ of every handle parked by a "rate-limited"
// CLOSED, however long it has been parked. It does not merge pending
// metadata requests into a temp_subscribe_metadata subscription.
func (w *Worker) periodicTask(ctx context.Context) {
	w.flushSoughtEvents(ctx)
	w.promoteRateLimited(ctx)
}

func (w *Worker) flushSoughtEvents(ctx context.Context) {
	var ids []string
	var jobIDs []string
	for id, entry := range w.soughtEvents {
		if entry.asked {
			continue
		}
		entry.asked = true
		ids = append(ids, id)
		jobIDs = append(jobIDs, entry.jobIDs...)
	}
	if len(ids) == 0 {
		return
	}
	w.tempSeq++
	handle := types.SubscriptionHandle(fmt.Sprintf("temp_events_%d", w.tempSeq))
	job := types.Job{
		ID:      jobIDFor(jobIDs),
		Handle:  handle,
		Filters: []nostr.Filter{{IDs: ids}},
	}
	w.applyJob(ctx, job)
}

func jobIDFor(jobIDs []string) string {
	if len(jobIDs) == 0 {
		return newWireID()
	}
	return jobIDs[0]
}

// promoteRateLimited retries handles parked by a "rate-limited" CLOSED
// response at least once per periodic tick.
func (w *Worker) promoteRateLimited(ctx context.Context) {
	for handle := range w.rateLimited {
		sub, ok := w.subs[handle]
		if !ok {
			delete(w.rateLimited, handle)
			continue
		}
		delete(w.rateLimited, handle)
		_ = w.send(ctx, reqFrame(sub.WireID, sub.Filters))
	}
}
