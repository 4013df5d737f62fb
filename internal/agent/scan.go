package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/bitalk/bitalk/internal/radio"
	"github.com/bitalk/bitalk/pkg/broadcast"
)

// scanHandler keeps the radio callbacks off the Service's exported API.
type scanHandler struct {
	s *Service
}

func (h scanHandler) HandleScanResult(res radio.ScanResult) {
	h.s.handleScanResult(res)
}

func (h scanHandler) HandleScanFailed(err error) {
	h.s.handleScanFailed(err)
}

func (s *Service) scanOptions() radio.ScanOptions {
	return radio.ScanOptions{ServiceID: radio.ServiceID, Opportunistic: s.cfg.Opportunistic}
}

func (s *Service) startScan() error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if s.scanActive {
		return nil
	}
	if err := s.radio.StartScanning(s.scanOptions(), scanHandler{s: s}); err != nil {
		s.stats.scanFailures.Add(1)
		return fmt.Errorf("start scanning: %w", err)
	}
	s.scanActive = true
	s.stats.scanStarts.Add(1)
	s.logger.Debug("scan started", "opportunistic", s.cfg.Opportunistic)
	return nil
}

func (s *Service) stopScan() error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if !s.scanActive {
		return nil
	}
	s.scanActive = false
	return s.radio.StopScanning()
}

// requestRetry asks the retry loop to restart the scan. Requests coalesce.
func (s *Service) requestRetry() {
	select {
	case s.retryCh <- struct{}{}:
	default:
	}
}

func (s *Service) handleScanFailed(err error) {
	s.stats.scanFailures.Add(1)

	s.scanMu.Lock()
	s.scanActive = false
	s.scanMu.Unlock()

	if !s.Running() {
		return
	}
	s.logger.Warn("scan failed", "error", err, "retry_in", s.cfg.ScanRetryDelay)
	s.requestRetry()
}

// retryLoop restarts the scan after a failure, indefinitely while running.
func (s *Service) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retryCh:
		}

		if !sleepCtx(ctx, s.cfg.ScanRetryDelay) {
			return
		}
		if err := s.startScan(); err != nil {
			s.logger.Warn("scan retry failed", "error", err, "retry_in", s.cfg.ScanRetryDelay)
			s.requestRetry()
			continue
		}
		s.logger.Info("scan resumed")
	}
}

// restartLoop periodically stops the scan, pauses for RestartGrace and
// starts it again. A failed restart is handed to the retry loop.
func (s *Service) restartLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanRestartInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.stopScan(); err != nil {
			s.logger.Warn("scan stop before restart failed", "error", err)
		}
		if !sleepCtx(ctx, s.cfg.RestartGrace) {
			return
		}
		s.stats.scanRestarts.Add(1)
		if err := s.startScan(); err != nil {
			s.logger.Warn("scan restart failed", "error", err, "retry_in", s.cfg.ScanRetryDelay)
			s.requestRetry()
			continue
		}
		s.logger.Debug("scan restarted")
	}
}

// sweepLoop ages out silent peers and forgets stale read throttling.
func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()
		s.reg.Sweep(s.cfg.UserTimeout, now)

		s.mu.Lock()
		for addr, at := range s.lastRead {
			if now.Sub(at) > s.cfg.UserTimeout {
				delete(s.lastRead, addr)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Service) handleScanResult(res radio.ScanResult) {
	if !res.HasService(radio.ServiceID) {
		s.stats.ignored.Add(1)
		s.logger.Debug("ignoring advertisement without service id",
			"addr", res.Address, "opportunistic", res.Opportunistic)
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inflight[res.Address]; busy {
		s.mu.Unlock()
		s.stats.throttled.Add(1)
		return
	}
	now := s.now()
	if last, ok := s.lastRead[res.Address]; ok && now.Sub(last) < s.cfg.MinReadInterval {
		s.mu.Unlock()
		s.stats.throttled.Add(1)
		return
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.mu.Unlock()
		s.stats.throttled.Add(1)
		s.logger.Debug("exchange limit reached", "addr", res.Address)
		return
	}
	s.inflight[res.Address] = struct{}{}
	s.lastRead[res.Address] = now
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.exchange(ctx, res)
}

// exchange reads one peer's payload and ingests it. Any failure drops the
// result; the next sighting tries again.
func (s *Service) exchange(ctx context.Context, res radio.ScanResult) {
	defer s.wg.Done()
	defer func() {
		<-s.sem
		s.mu.Lock()
		delete(s.inflight, res.Address)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	frame, err := s.readFrame(ctx, res.Address)
	if err != nil {
		s.stats.exchangesFailed.Add(1)
		s.logger.Debug("payload exchange failed", "addr", res.Address, "error", err)
		return
	}

	b, err := broadcast.Decode(frame)
	if err != nil {
		s.stats.decodeErrors.Add(1)
		s.logger.Debug("dropping undecodable payload", "addr", res.Address, "error", err)
		return
	}
	s.stats.exchangesOK.Add(1)

	if ctx.Err() != nil {
		return
	}
	result := s.reg.Ingest(res.Address, b, res.RSSI, s.Profile())
	s.logger.Debug("payload ingested",
		"addr", res.Address,
		"peer", b.Username,
		"outcome", result.Outcome.String(),
	)
}

// readFrame dials addr and reads the frame chunk by chunk until the length
// announced by its prefix has arrived, the peer returns an empty chunk, or
// MaxFrameSize bytes have been read.
func (s *Service) readFrame(ctx context.Context, addr string) ([]byte, error) {
	conn, err := s.radio.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	frame := make([]byte, 0, radio.ChunkSize)
	total := -1
	for len(frame) < s.cfg.MaxFrameSize {
		chunk, err := conn.ReadPayload(ctx, len(frame))
		if err != nil {
			return nil, fmt.Errorf("read at offset %d: %w", len(frame), err)
		}
		if len(chunk) == 0 {
			break
		}
		frame = append(frame, chunk...)

		if total < 0 {
			if n, ok := broadcast.FrameLength(frame); ok {
				if n > s.cfg.MaxFrameSize {
					return nil, fmt.Errorf("peer announced %d bytes: %w", n, broadcast.ErrFrameTooLarge)
				}
				total = n
			}
		}
		if total >= 0 && len(frame) >= total {
			return frame[:total], nil
		}
	}
	return frame, nil
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
