package recording

import (
	"context"
	"sort"
	"time"
)

// TimelineBuilder assembles gap/recording segment views from stored Recording rows.
type TimelineBuilder struct {
	repository Repository
}

// NewTimelineBuilder creates a new timeline builder.
func NewTimelineBuilder(repository Repository) *TimelineBuilder {
	return &TimelineBuilder{repository: repository}
}

// BuildTimeline creates a timeline for a stream within a time range, merging adjacent/
// overlapping recordings into contiguous segments and filling the remainder with gaps.
func (b *TimelineBuilder) BuildTimeline(ctx context.Context, streamName string, start, end time.Time) (*Timeline, error) {
	recordings, err := b.repository.GetByTimeRange(ctx, streamName, start, end)
	if err != nil {
		return nil, err
	}

	timeline := &Timeline{
		StreamName: streamName,
		StartTime:  start,
		EndTime:    end,
		Segments:   make([]TimelineSegment, 0),
	}

	if len(recordings) == 0 {
		timeline.Segments = append(timeline.Segments, TimelineSegment{StartTime: start, EndTime: end, Type: "gap"})
		return timeline, nil
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartTime.Before(recordings[j].StartTime)
	})

	currentTime := start
	var totalSize int64
	var totalDuration float64

	for _, rec := range recordings {
		recEnd := end
		if rec.EndTime != nil {
			recEnd = *rec.EndTime
		}

		segStart := rec.StartTime
		segEnd := recEnd
		if segStart.Before(start) {
			segStart = start
		}
		if segEnd.After(end) {
			segEnd = end
		}
		if !segEnd.After(segStart) {
			continue
		}

		if currentTime.Before(segStart) {
			timeline.Segments = append(timeline.Segments, TimelineSegment{StartTime: currentTime, EndTime: segStart, Type: "gap"})
		}

		if n := len(timeline.Segments); n > 0 {
			last := &timeline.Segments[n-1]
			if last.Type == "recording" && !last.EndTime.Before(segStart) {
				if segEnd.After(last.EndTime) {
					last.EndTime = segEnd
				}
				last.RecordingIDs = append(last.RecordingIDs, rec.ID)
				currentTime = segEnd
				totalSize += rec.SizeBytes
				totalDuration += segEnd.Sub(rec.StartTime).Seconds()
				continue
			}
		}

		timeline.Segments = append(timeline.Segments, TimelineSegment{
			StartTime:    segStart,
			EndTime:      segEnd,
			Type:         "recording",
			RecordingIDs: []string{rec.ID},
		})
		currentTime = segEnd
		totalSize += rec.SizeBytes
		totalDuration += segEnd.Sub(rec.StartTime).Seconds()
	}

	if currentTime.Before(end) {
		timeline.Segments = append(timeline.Segments, TimelineSegment{StartTime: currentTime, EndTime: end, Type: "gap"})
	}

	timeline.TotalSize = totalSize
	timeline.TotalHours = totalDuration / 3600

	return timeline, nil
}

// GetCoverage calculates the recording coverage percentage for a time range.
func (b *TimelineBuilder) GetCoverage(ctx context.Context, streamName string, start, end time.Time) (float64, error) {
	timeline, err := b.BuildTimeline(ctx, streamName, start, end)
	if err != nil {
		return 0, err
	}

	var recordingDuration time.Duration
	for _, seg := range timeline.Segments {
		if seg.Type == "recording" {
			recordingDuration += seg.EndTime.Sub(seg.StartTime)
		}
	}

	totalDuration := end.Sub(start)
	if totalDuration == 0 {
		return 0, nil
	}
	return float64(recordingDuration) / float64(totalDuration) * 100, nil
}

// FindRecordingsContaining finds recordings that contain a specific timestamp.
func (b *TimelineBuilder) FindRecordingsContaining(ctx context.Context, streamName string, timestamp time.Time) ([]Recording, error) {
	start := timestamp.Add(-time.Minute)
	end := timestamp.Add(time.Minute)

	recordings, err := b.repository.GetByTimeRange(ctx, streamName, start, end)
	if err != nil {
		return nil, err
	}

	var containing []Recording
	for _, rec := range recordings {
		recEnd := end
		if rec.EndTime != nil {
			recEnd = *rec.EndTime
		}
		if !rec.StartTime.After(timestamp) && !recEnd.Before(timestamp) {
			containing = append(containing, rec)
		}
	}
	return containing, nil
}

// GetPlaybackURL returns the file path and in-file offset for playback at a specific timestamp.
func (b *TimelineBuilder) GetPlaybackURL(ctx context.Context, streamName string, timestamp time.Time) (string, float64, error) {
	recordings, err := b.FindRecordingsContaining(ctx, streamName, timestamp)
	if err != nil {
		return "", 0, err
	}
	if len(recordings) == 0 {
		return "", 0, ErrNoRecordingFound
	}
	rec := recordings[0]
	offset := timestamp.Sub(rec.StartTime).Seconds()
	return rec.FilePath, offset, nil
}

// TimelineError represents a timeline-related error.
type TimelineError string

func (e TimelineError) Error() string { return string(e) }

// ErrNoRecordingFound is returned when no recording is found for a timestamp.
const ErrNoRecordingFound = TimelineError("no recording found for timestamp")

// MergeTimelines merges per-stream timelines into a single combined view, collapsing
// overlapping recording windows across streams into one segment.
func MergeTimelines(timelines []*Timeline) *Timeline {
	if len(timelines) == 0 {
		return nil
	}

	merged := &Timeline{
		StreamName: "all",
		StartTime:  timelines[0].StartTime,
		EndTime:    timelines[0].EndTime,
		Segments:   make([]TimelineSegment, 0),
	}

	for _, t := range timelines {
		if t.StartTime.Before(merged.StartTime) {
			merged.StartTime = t.StartTime
		}
		if t.EndTime.After(merged.EndTime) {
			merged.EndTime = t.EndTime
		}
		merged.TotalSize += t.TotalSize
		merged.TotalHours += t.TotalHours
	}

	type boundary struct {
		time    time.Time
		isStart bool
	}

	var boundaries []boundary
	for _, t := range timelines {
		for _, seg := range t.Segments {
			if seg.Type == "recording" {
				boundaries = append(boundaries, boundary{seg.StartTime, true})
				boundaries = append(boundaries, boundary{seg.EndTime, false})
			}
		}
	}

	sort.Slice(boundaries, func(i, j int) bool {
		if boundaries[i].time.Equal(boundaries[j].time) {
			return boundaries[i].isStart
		}
		return boundaries[i].time.Before(boundaries[j].time)
	})

	activeCount := 0
	currentTime := merged.StartTime

	for _, bd := range boundaries {
		if bd.time.Before(merged.StartTime) || bd.time.After(merged.EndTime) {
			continue
		}

		if activeCount == 0 && currentTime.Before(bd.time) {
			merged.Segments = append(merged.Segments, TimelineSegment{StartTime: currentTime, EndTime: bd.time, Type: "gap"})
		}

		if bd.isStart {
			if activeCount == 0 {
				currentTime = bd.time
			}
			activeCount++
		} else {
			activeCount--
			if activeCount == 0 {
				merged.Segments = append(merged.Segments, TimelineSegment{StartTime: currentTime, EndTime: bd.time, Type: "recording"})
				currentTime = bd.time
			}
		}
	}

	if currentTime.Before(merged.EndTime) {
		merged.Segments = append(merged.Segments, TimelineSegment{StartTime: currentTime, EndTime: merged.EndTime, Type: "gap"})
	}

	return merged
}
