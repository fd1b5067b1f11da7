package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"replaydesk/internal/candlestore"
	"replaydesk/internal/logger"
	"replaydesk/internal/market"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusDone      = "done"
	JobStatusPartial   = "partial"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// CandleStore is what the sync service needs from the local store.
type CandleStore interface {
	InsertCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) (int, error)
	CheckIntegrity(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (candlestore.IntegrityReport, error)
}

// SyncParams 描述一次下载任务。
type SyncParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Source    string `json:"source,omitempty"`
}

// SyncJob 是任务状态快照。
type SyncJob struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Params    SyncParams        `json:"params"`
	Total     int64             `json:"total"`
	Completed int64             `json:"completed"`
	Pages     int               `json:"pages"`
	Message   string            `json:"message,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Missing   []candlestore.Gap `json:"missing,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (j *SyncJob) copy() SyncJob {
	out := *j
	out.Warnings = append([]string(nil), j.Warnings...)
	out.Missing = append([]candlestore.Gap(nil), j.Missing...)
	return out
}

func (j *SyncJob) finished() bool {
	switch j.Status {
	case JobStatusDone, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// SyncConfig 配置 SyncService。
type SyncConfig struct {
	Store         CandleStore
	Sources       map[string]Source
	DefaultSource string
	PageSize      int
	MaxConcurrent int
	MaxPages      int
}

// SyncService 负责管理下载任务、协调拉取与写库。
type SyncService struct {
	store         CandleStore
	sources       map[string]Source
	defaultSource string
	pageSize      int
	maxPages      int
	sem           chan struct{}

	mu      sync.RWMutex
	jobs    map[string]*SyncJob
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx context.Context
}

func NewSyncService(cfg SyncConfig) (*SyncService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1000
	}
	svc := &SyncService{
		store:         cfg.Store,
		sources:       make(map[string]Source, len(cfg.Sources)),
		defaultSource: strings.ToLower(strings.TrimSpace(cfg.DefaultSource)),
		pageSize:      pageSize,
		maxPages:      maxPages,
		sem:           make(chan struct{}, maxConcurrent),
		jobs:          make(map[string]*SyncJob),
		cancels:       make(map[string]context.CancelFunc),
		baseCtx:       context.Background(),
	}
	for k, v := range cfg.Sources {
		svc.sources[strings.ToLower(k)] = v
	}
	if _, ok := svc.sources[svc.defaultSource]; !ok {
		names := make([]string, 0, len(svc.sources))
		for k := range svc.sources {
			names = append(names, k)
		}
		sort.Strings(names)
		svc.defaultSource = names[0]
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，宿主退出时所有任务随之取消。
func (s *SyncService) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

// Sources lists the configured provider names.
func (s *SyncService) Sources() []string {
	out := make([]string, 0, len(s.sources))
	for k := range s.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Submit 提交下载任务；若区间已完整只做一致性检查。
func (s *SyncService) Submit(params SyncParams) (SyncJob, error) {
	if strings.TrimSpace(params.Symbol) == "" {
		return SyncJob{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := market.ParseTimeframe(params.Timeframe)
	if err != nil {
		return SyncJob{}, err
	}
	params.Timeframe = tf.Key
	name := strings.ToLower(strings.TrimSpace(params.Source))
	if name == "" {
		name = s.defaultSource
	}
	src := s.sources[name]
	if src == nil {
		return SyncJob{}, fmt.Errorf("%w: %s", ErrUnknownSource, params.Source)
	}
	params.Source = name
	start, end := tf.AlignRange(params.Start, params.End)
	if start == end {
		return SyncJob{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Start, params.End = start, end

	report, err := s.store.CheckIntegrity(s.baseCtx, params.Symbol, tf, start, end)
	if err != nil {
		return SyncJob{}, err
	}
	now := time.Now()
	job := &SyncJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Completed: min(report.Present, report.Expected),
		StartedAt: now,
		UpdatedAt: now,
		Missing:   append([]candlestore.Gap(nil), report.Gaps...),
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	logger.Infof("[feed] 任务 %s 提交：%s %s [%d,%d] 预计=%d 缺口=%d", job.ID, params.Symbol, params.Timeframe, start, end, report.Expected, len(report.Gaps))

	if report.Complete() {
		s.finish(job.ID, JobStatusDone, "数据已完整，无需重新拉取", nil, nil)
		return s.mustSnapshot(job.ID), nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(ctx, job.ID, tf, src)
	}()
	return s.mustSnapshot(job.ID), nil
}

// Cancel stops a running job. It reports false for unknown or finished jobs.
func (s *SyncService) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.finished() {
		return false
	}
	if cancel := s.cancels[id]; cancel != nil {
		cancel()
	}
	return true
}

// Wait blocks until every submitted job has returned.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

func (s *SyncService) runJob(ctx context.Context, jobID string, tf market.Timeframe, source Source) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finish(jobID, cancelStatus(ctx), ctx.Err().Error(), nil, nil)
		return
	}
	defer func() { <-s.sem }()

	job, ok := s.JobSnapshot(jobID)
	if !ok {
		return
	}
	params := job.Params
	s.update(jobID, func(j *SyncJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	var warnings []string
	// gaps that returned nothing new, e.g. weekends and holidays
	dead := make(map[int64]bool)
	var report candlestore.IntegrityReport
	for page := 0; page < s.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			s.finish(jobID, cancelStatus(ctx), err.Error(), warnings, report.Gaps)
			return
		}
		var err error
		report, err = s.store.CheckIntegrity(ctx, params.Symbol, tf, params.Start, params.End)
		if err != nil {
			s.finish(jobID, JobStatusFailed, "完整性检查失败: "+err.Error(), warnings, nil)
			return
		}
		s.update(jobID, func(j *SyncJob) { j.Completed = min(report.Present, report.Expected) })
		gap, ok := nextGap(report.Gaps, dead)
		if !ok {
			break
		}
		seg, err := source.FetchSegment(ctx, SegmentRequest{
			Symbol:     params.Symbol,
			Timeframe:  tf,
			StartDate:  gap.From,
			EndDate:    gap.To,
			OutputSize: int(min(gap.Count, int64(s.pageSize))),
		})
		if err != nil {
			if ctx.Err() != nil {
				s.finish(jobID, cancelStatus(ctx), ctx.Err().Error(), warnings, report.Gaps)
				return
			}
			s.finish(jobID, JobStatusFailed, fmt.Sprintf("%s 拉取失败: %v", source.Name(), err), warnings, report.Gaps)
			return
		}
		if seg.Err != "" {
			warnings = append(warnings, seg.Err)
		}
		before := report.Present
		if _, err := s.store.InsertCandles(ctx, params.Symbol, params.Timeframe, inRange(seg.Candles, params.Start, params.End)); err != nil {
			s.finish(jobID, JobStatusFailed, fmt.Sprintf("写入失败: %v", err), warnings, report.Gaps)
			return
		}
		after, err := s.store.CheckIntegrity(ctx, params.Symbol, tf, params.Start, params.End)
		if err != nil {
			s.finish(jobID, JobStatusFailed, "完整性检查失败: "+err.Error(), warnings, nil)
			return
		}
		if after.Present <= before {
			dead[gap.From] = true
			warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", gap.From, gap.To))
		}
		report = after
		s.update(jobID, func(j *SyncJob) {
			j.Pages++
			j.Completed = min(after.Present, after.Expected)
			j.Missing = append([]candlestore.Gap(nil), after.Gaps...)
			j.UpdatedAt = time.Now()
		})
	}

	status, message := JobStatusDone, "拉取完成"
	if !report.Complete() {
		status, message = JobStatusPartial, "已完成，但仍存在缺口"
	}
	s.finish(jobID, status, message, warnings, report.Gaps)
	logger.Infof("[feed] 任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(report.Gaps))
}

func nextGap(gaps []candlestore.Gap, dead map[int64]bool) (candlestore.Gap, bool) {
	for _, g := range gaps {
		if !dead[g.From] {
			return g, true
		}
	}
	return candlestore.Gap{}, false
}

func inRange(candles []market.Candle, start, end int64) []market.Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if c.Time >= start && c.Time <= end {
			out = append(out, c)
		}
	}
	return out
}

func cancelStatus(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return JobStatusCancelled
	}
	return JobStatusFailed
}

func (s *SyncService) finish(jobID, status, message string, warnings []string, gaps []candlestore.Gap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.Status = status
	job.Message = message
	job.Missing = append([]candlestore.Gap(nil), gaps...)
	if len(warnings) > 0 {
		job.Warnings = append([]string(nil), warnings...)
	}
	job.UpdatedAt = time.Now()
	if cancel := s.cancels[jobID]; cancel != nil {
		cancel()
		delete(s.cancels, jobID)
	}
}

func (s *SyncService) update(id string, fn func(*SyncJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

func (s *SyncService) mustSnapshot(id string) SyncJob {
	job, _ := s.JobSnapshot(id)
	return job
}

// JobSnapshot 返回任务副本。
func (s *SyncService) JobSnapshot(id string) (SyncJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return SyncJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回所有任务的拷贝，按开始时间倒序。
func (s *SyncService) Jobs() []SyncJob {
	s.mu.RLock()
	out := make([]SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
