package decode

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/media"
)

// DecodePath identifies which decoding path the probe settled on.
type DecodePath string

const (
	// PathHardware: hardware decode with GPU texture support.
	PathHardware DecodePath = "hardware"

	// PathSoftware: software decode, CPU bitmaps only.
	PathSoftware DecodePath = "software"

	// PathHybrid: hardware decode but no usable GPU texture path.
	PathHybrid DecodePath = "hybrid"
)

// probeCodec is the codec used to exercise decoder configuration.
const probeCodec = CodecH264

// Capabilities describes the detected decode and GPU environment.
// Immutable once detected; cached for the probe's lifetime.
type Capabilities struct {
	GPUAccelerated  bool       `json:"gpu_accelerated"`
	DecodePath      DecodePath `json:"decode_path"`
	SupportedCodecs []string   `json:"supported_codecs"`
	MaxTextureDim   int        `json:"max_texture_dim"`
	Vendor          string     `json:"vendor,omitempty"`
	Renderer        string     `json:"renderer,omitempty"`

	// Host inventory, best-effort.
	CPUCores         int    `json:"cpu_cores"`
	CPUModel         string `json:"cpu_model,omitempty"`
	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
	Platform         string `json:"platform,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// Probe performs one-shot detection of hardware/software decode and GPU
// texture support. Detect never fails: every internal error resolves to
// the conservative fallback (software decode, no GPU). The probe is an
// explicit injectable service; there is no package-level singleton.
type Probe struct {
	decoder  Decoder
	importer frame.TextureImporter
	pref     AccelPreference
	logger   *slog.Logger

	once sync.Once
	caps Capabilities
}

// NewProbe creates a capability probe. importer may be nil when the target
// has no graphics binding at all.
func NewProbe(decoder Decoder, importer frame.TextureImporter, pref AccelPreference, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	if pref == "" {
		pref = PreferHardware
	}
	return &Probe{decoder: decoder, importer: importer, pref: pref, logger: logger}
}

// Detect returns the capability snapshot, running detection on first call
// and returning the cached result afterwards.
func (p *Probe) Detect(ctx context.Context) Capabilities {
	p.once.Do(func() {
		p.caps = p.detect(ctx)
		p.logger.Info("capabilities detected",
			slog.String("decode_path", string(p.caps.DecodePath)),
			slog.Bool("gpu", p.caps.GPUAccelerated),
			slog.Any("codecs", p.caps.SupportedCodecs),
		)
	})
	return p.caps
}

func (p *Probe) detect(ctx context.Context) Capabilities {
	caps := Capabilities{
		DecodePath:      PathSoftware,
		SupportedCodecs: DefaultCodecs(),
		CPUCores:        runtime.NumCPU(),
		DetectedAt:      time.Now(),
	}

	p.collectHostInfo(ctx, &caps)

	hardwareOK := false
	if p.pref == PreferHardware {
		if err := p.tryConfigure(ctx, PreferHardware); err != nil {
			p.logger.Warn("hardware decode unavailable, falling back to software",
				slog.String("error", err.Error()),
			)
		} else {
			hardwareOK = true
		}
	}

	if !hardwareOK {
		if err := p.tryConfigure(ctx, PreferSoftware); err != nil {
			// Even software configuration failed; keep the conservative
			// defaults and let decode submissions surface errors per
			// segment instead of failing the session here.
			p.logger.Error("software decoder configuration failed",
				slog.String("error", err.Error()),
			)
		}
	}

	p.probeTexture(&caps)

	switch {
	case hardwareOK && caps.GPUAccelerated:
		caps.DecodePath = PathHardware
	case hardwareOK:
		caps.DecodePath = PathHybrid
	default:
		caps.DecodePath = PathSoftware
	}

	if lister, ok := p.decoder.(CodecLister); ok {
		if filtered := FilterSupportedCodecs(lister.SupportedCodecs()); len(filtered) > 0 {
			caps.SupportedCodecs = filtered
		}
	}

	return caps
}

// tryConfigure attempts decoder configuration, converting panics from the
// platform binding into errors so the probe can never raise.
func (p *Probe) tryConfigure(ctx context.Context, pref AccelPreference) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &media.CapabilityError{
				Stage: string(pref),
				Err:   fmt.Errorf("decoder panic: %v", r),
			}
		}
	}()

	if p.decoder == nil {
		return &media.CapabilityError{Stage: string(pref), Err: fmt.Errorf("no decoder available")}
	}
	if err := p.decoder.Configure(ctx, probeCodec, pref); err != nil {
		return &media.CapabilityError{Stage: string(pref), Err: err}
	}
	return nil
}

// probeTexture verifies GPU texture support with a tiny allocation.
// Failure leaves the CPU-only defaults in place.
func (p *Probe) probeTexture(caps *Capabilities) {
	defer func() {
		if r := recover(); r != nil {
			caps.GPUAccelerated = false
			p.logger.Debug("texture probe panicked, assuming no GPU",
				slog.Any("panic", r),
			)
		}
	}()

	if p.importer == nil {
		return
	}

	tex, err := p.importer.CreateTexture(2, 2)
	if err != nil {
		p.logger.Debug("texture probe failed, assuming no GPU",
			slog.String("error", err.Error()),
		)
		return
	}
	tex.Destroy()

	caps.GPUAccelerated = true
	caps.MaxTextureDim = p.importer.MaxTextureDim()
	caps.Vendor, caps.Renderer = p.importer.Info()
}

// collectHostInfo fills in system inventory. Every lookup is best-effort.
func (p *Probe) collectHostInfo(ctx context.Context, caps *Capabilities) {
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryTotalBytes = memInfo.Total
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}
	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		caps.Platform = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
}
