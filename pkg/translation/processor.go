// Package translation implements the Translation Processor: for each Utterance, recognize once, then fan out translate and
// synthesize per target language in parallel, publishing once to the
// Delivery Bus and persisting independently to the Transcript Store.
//
// Per-language isolation means one language's provider failure never
// aborts the others — this deliberately does not use golang.org/x/sync's
// errgroup default (first error cancels the group); each language's result
// is collected independently using a raw WaitGroup and a mutex-protected
// collector instead of errgroup.Group.Wait's abort-on-error. x/sync still
// has a role here: golang.org/x/sync/singleflight collapses concurrent
// synthesize calls that land on the same TTS cache key (two callers
// translating the same phrase to the same language at the same moment)
// into one provider call.
//
// Every external provider call (recognize, translate, synthesize) acquires a
// slot from a semaphore sized by Config.APIWorkerPool before running, and
// retries a transient failure up to maxProviderRetries times with capped
// exponential backoff before giving up on that call.
package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/lokutor-ai/lokutor-relay/pkg/deliverybus"
	"github.com/lokutor-ai/lokutor-relay/pkg/metrics"
	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
	"github.com/lokutor-ai/lokutor-relay/pkg/recipientmap"
	"github.com/lokutor-ai/lokutor-relay/pkg/transcript"
	"github.com/lokutor-ai/lokutor-relay/pkg/ttscache"
)

const contextRingSize = 3

const (
	maxProviderRetries = 3
	retryBaseDelay     = 200 * time.Millisecond
	retryMaxDelay      = 2 * time.Second
)

// Processor wires the External-Speech-API Client, TTS Cache, Recipient-Map,
// Delivery Bus and Transcript Store into the per-utterance pipeline.
type Processor struct {
	stt        pipeline.STTProvider
	translator pipeline.TranslateProvider
	tts        pipeline.TTSProvider

	cache       *ttscache.Cache
	recipients  *recipientmap.Map
	bus         *deliverybus.Bus
	transcripts *transcript.Store
	metrics     *metrics.Metrics
	logger      pipeline.Logger
	cfg         pipeline.Config

	ctxMu  sync.Mutex
	ctxBuf map[string][]string // (callID|targetLang) -> recent translated lines

	synthGroup singleflight.Group

	sem chan struct{} // bounds concurrent external provider calls to cfg.APIWorkerPool
}

// New constructs a Processor. metrics may be nil to disable instrumentation.
func New(
	stt pipeline.STTProvider,
	translator pipeline.TranslateProvider,
	tts pipeline.TTSProvider,
	cache *ttscache.Cache,
	recipients *recipientmap.Map,
	bus *deliverybus.Bus,
	transcripts *transcript.Store,
	met *metrics.Metrics,
	logger pipeline.Logger,
	cfg pipeline.Config,
) (*Processor, error) {
	if stt == nil || translator == nil || tts == nil {
		return nil, pipeline.ErrNilProvider
	}
	if logger == nil {
		logger = &pipeline.NoOpLogger{}
	}
	poolSize := cfg.APIWorkerPool
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Processor{
		stt: stt, translator: translator, tts: tts,
		cache: cache, recipients: recipients, bus: bus, transcripts: transcripts,
		metrics: met, logger: logger, cfg: cfg,
		ctxBuf: make(map[string][]string),
		sem:    make(chan struct{}, poolSize),
	}, nil
}

// acquire blocks until a worker-pool slot is free or ctx is done.
func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) release() {
	<-p.sem
}

// retryProvider calls fn, retrying while it returns a *pipeline.TransientError,
// up to maxProviderRetries times with capped exponential backoff. fn records
// its own metrics on every attempt.
func retryProvider(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= maxProviderRetries {
			return err
		}
		if sleepErr := backoffSleep(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
}

func isTransient(err error) bool {
	var te *pipeline.TransientError
	return errors.As(err, &te)
}

// backoffSleep blocks for attempt's backoff delay, or returns ctx.Err() if
// ctx is done first.
func backoffSleep(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stripContextPrefix removes a leading "[...] " wrapper a translate provider
// may echo back verbatim from the prompt built with a context snippet,
// matching on the first closing bracket. The full response is returned
// unchanged when no bracket is found.
func stripContextPrefix(resp string) string {
	if !strings.HasPrefix(resp, "[") {
		return resp
	}
	idx := strings.IndexByte(resp, ']')
	if idx < 0 {
		return resp
	}
	return strings.TrimSpace(resp[idx+1:])
}

// Process recognizes utt's speech, translates and synthesizes it for every
// recipient language, and publishes the result. It returns
// ErrEmptyRecognition, ErrNoRecipients or ErrAllLanguagesFailed when the
// utterance cannot be delivered to anyone.
func (p *Processor) Process(ctx context.Context, utt pipeline.Utterance) (*pipeline.TranslationResult, error) {
	text, confidence, err := p.recognize(ctx, utt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" || confidence < p.cfg.RecognizeConfidenceThreshold {
		return nil, pipeline.ErrEmptyRecognition
	}

	targets, err := p.recipients.Resolve(ctx, utt.CallID, utt.SpeakerID)
	if err != nil {
		return nil, fmt.Errorf("translation: resolve recipients: %w", err)
	}
	if len(targets) == 0 {
		return nil, pipeline.ErrNoRecipients
	}

	languages := p.fanOut(ctx, utt, text, targets)

	ok := false
	for _, lr := range languages {
		if lr != nil {
			ok = true
			break
		}
	}
	if !ok {
		return nil, pipeline.ErrAllLanguagesFailed
	}

	result := &pipeline.TranslationResult{
		UtteranceID:  utt.ID,
		CallID:       utt.CallID,
		SpeakerID:    utt.SpeakerID,
		OriginalText: text,
		SourceLang:   utt.SourceLang,
		TimestampMS:  utt.EndTS.UnixMilli(),
	}
	for _, lr := range languages {
		if lr != nil {
			result.Languages = append(result.Languages, *lr)
		}
	}

	if p.bus != nil {
		p.bus.Publish(*result)
	}
	p.persist(ctx, *result)

	return result, nil
}

func (p *Processor) recognize(ctx context.Context, utt pipeline.Utterance) (string, float64, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RecognizeTimeout)
	defer cancel()

	if err := p.acquire(rctx); err != nil {
		return "", 0, fmt.Errorf("translation: recognize: %w", err)
	}
	defer p.release()

	var text string
	var confidence float64
	err := retryProvider(rctx, func() error {
		start := timeNow()
		var recErr error
		text, confidence, recErr = p.stt.Recognize(rctx, utt.PCM, utt.SourceLang)
		p.observeProvider(ctx, "recognize", p.stt.Name(), start, recErr)
		return recErr
	})
	if err != nil {
		return "", 0, fmt.Errorf("translation: recognize: %w", err)
	}
	return text, confidence, nil
}

// fanOut runs translate+synthesize for every target language concurrently
// and returns one *LanguageResult per target (nil entries mark languages
// that failed and were dropped, per the fan-out's per-language failure
// isolation). Concurrency across all targets, and across concurrent
// utterances, is bounded by Processor.sem rather than by this function.
func (p *Processor) fanOut(ctx context.Context, utt pipeline.Utterance, text string, targets map[pipeline.Language][]string) []*pipeline.LanguageResult {
	results := make([]*pipeline.LanguageResult, 0, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for lang, recipients := range targets {
		lang, recipients := lang, recipients
		wg.Add(1)
		go func() {
			defer wg.Done()
			lr, err := p.translateAndSynthesize(ctx, utt, text, lang, recipients)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("translation: language failed, skipping", "call_id", utt.CallID, "target_lang", lang, "error", err)
				results = append(results, nil)
				return
			}
			results = append(results, lr)
		}()
	}
	wg.Wait()
	return results
}

func (p *Processor) translateAndSynthesize(ctx context.Context, utt pipeline.Utterance, text string, lang pipeline.Language, recipients []string) (*pipeline.LanguageResult, error) {
	if lang == utt.SourceLang {
		// Passthrough: the recipient already speaks the source language, so
		// translation and synthesis are both skipped and the original audio
		// is forwarded as-is.
		return &pipeline.LanguageResult{
			TargetLang: lang, Text: text, AudioBytes: utt.PCM,
			RecipientIDs: recipients, FromCache: false,
		}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranslateTimeout)
	defer cancel()

	if err := p.acquire(tctx); err != nil {
		return nil, fmt.Errorf("translate to %s: %w", lang, err)
	}

	snippet := p.contextSnippet(utt.CallID, lang)
	var translated string
	trErr := retryProvider(tctx, func() error {
		start := timeNow()
		var err error
		translated, err = p.translator.Translate(tctx, text, utt.SourceLang, lang, snippet)
		p.observeProvider(ctx, "translate", p.translator.Name(), start, err)
		return err
	})
	p.release()
	if trErr != nil {
		return nil, fmt.Errorf("translate to %s: %w", lang, trErr)
	}
	translated = stripContextPrefix(translated)
	p.pushContext(utt.CallID, lang, translated)

	voiceProfile := "" // resolved per-recipient voice profiles are a session-level concern
	key := ttscache.Key(translated, lang, voiceProfile)

	if p.cache != nil {
		if audio, hit := p.cache.Get(key); hit {
			if p.metrics != nil {
				p.metrics.CacheHits.Add(ctx, 1)
			}
			return &pipeline.LanguageResult{
				TargetLang: lang, Text: translated, AudioBytes: audio,
				RecipientIDs: recipients, FromCache: true,
			}, nil
		}
		if p.metrics != nil {
			p.metrics.CacheMisses.Add(ctx, 1)
		}
	}

	audio, err, _ := p.synthGroup.Do(key, func() (interface{}, error) {
		sctx, scancel := context.WithTimeout(ctx, p.cfg.SynthesizeTimeout)
		defer scancel()

		if err := p.acquire(sctx); err != nil {
			return nil, err
		}
		defer p.release()

		var out []byte
		err := retryProvider(sctx, func() error {
			sstart := timeNow()
			var synErr error
			out, synErr = p.tts.Synthesize(sctx, translated, lang, voiceProfile)
			p.observeProvider(ctx, "synthesize", p.tts.Name(), sstart, synErr)
			return synErr
		})
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			p.cache.Put(key, out)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize %s: %w", lang, err)
	}

	return &pipeline.LanguageResult{
		TargetLang: lang, Text: translated, AudioBytes: audio.([]byte),
		RecipientIDs: recipients, FromCache: false,
	}, nil
}

func (p *Processor) persist(ctx context.Context, result pipeline.TranslationResult) {
	if p.transcripts == nil {
		return
	}
	for _, lr := range result.Languages {
		method := "synthesize"
		if lr.FromCache {
			method = "cache"
		}
		entry := pipeline.TranscriptEntry{
			CallID:         result.CallID,
			SpeakerUserID:  result.SpeakerID,
			OriginalLang:   result.SourceLang,
			OriginalText:   result.OriginalText,
			TargetLang:     lr.TargetLang,
			TranslatedText: lr.Text,
			TimestampMS:    result.TimestampMS,
			TTSMethod:      method,
		}
		if err := p.transcripts.Append(ctx, entry); err != nil {
			p.logger.Error("translation: transcript append failed", "call_id", result.CallID, "error", err)
		}
	}
}

func (p *Processor) contextSnippet(callID string, lang pipeline.Language) string {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	lines := p.ctxBuf[ringKey(callID, lang)]
	return strings.Join(lines, " ")
}

func (p *Processor) pushContext(callID string, lang pipeline.Language, line string) {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	key := ringKey(callID, lang)
	buf := append(p.ctxBuf[key], line)
	if len(buf) > contextRingSize {
		buf = buf[len(buf)-contextRingSize:]
	}
	p.ctxBuf[key] = buf
}

func ringKey(callID string, lang pipeline.Language) string {
	return callID + "|" + string(lang)
}

func (p *Processor) observeProvider(ctx context.Context, op, provider string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	elapsed := timeNow().Sub(start).Seconds()

	var hist metric.Float64Histogram
	switch op {
	case "recognize":
		hist = p.metrics.RecognizeDuration
	case "translate":
		hist = p.metrics.TranslateDuration
	case "synthesize":
		hist = p.metrics.SynthesizeDuration
	}
	if hist != nil {
		hist.Record(ctx, elapsed)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordProviderRequest(ctx, provider, op, status)
	if err != nil {
		p.metrics.RecordProviderError(ctx, provider, op, classifyError(err))
	}
}

func classifyError(err error) string {
	if _, ok := err.(*pipeline.TransientError); ok {
		return "transient"
	}
	if _, ok := err.(*pipeline.PermanentError); ok {
		return "permanent"
	}
	return "unknown"
}

// timeNow is a var so tests can substitute a fixed clock.
var timeNow = time.Now
