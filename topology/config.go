// Package topology owns module configuration (spec.md §6) and the
// deterministic rank-to-place mapping used at connect time.
package topology

import (
	"errors"
	"fmt"
	"strconv"
)

// Side is which half of a comm_id pair a place plays.
type Side string

const (
	Top    Side = "t"
	Bottom Side = "b"
)

// Distribution is how ranks at one level map onto places at the level above.
type Distribution string

const (
	Uniform Distribution = "uniform"
	ByBlock Distribution = "by-block"
)

// ConfigError wraps a malformed module-configuration value with the key
// that was being decoded.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("topology: config key %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the typed form of the module-configuration map from spec.md §6.
type Config struct {
	ID             int64
	Side           Side
	TierSize       int64
	TargetTierSize int64
	CommID         int64
	IsIntra        bool
	OwnLevel       int64
	Levels         []LevelConfig
}

// LevelConfig describes one gti_level_N tuple: its size and how ranks at
// that level distribute onto places one level up.
type LevelConfig struct {
	Size         int64
	Distribution Distribution
	BlockSize    int64
}

// Decode builds a Config from the map[string]string shape the (out of
// scope) module-configuration loader hands us. It never panics on
// malformed input from that map — only on a nil map, which is a programmer
// error, matching microbatch.NewBatcher's panic-on-construction style.
func Decode(m map[string]string) (*Config, error) {
	if m == nil {
		panic("topology: Decode requires a non-nil config map")
	}

	cfg := &Config{}
	var err error

	if cfg.ID, err = requireInt(m, "id"); err != nil {
		return nil, err
	}
	sideRaw, err := requireString(m, "side")
	if err != nil {
		return nil, err
	}
	switch Side(sideRaw) {
	case Top, Bottom:
		cfg.Side = Side(sideRaw)
	default:
		return nil, &ConfigError{Key: "side", Err: fmt.Errorf("must be %q or %q, got %q", Top, Bottom, sideRaw)}
	}

	if cfg.TierSize, err = requireInt(m, "tier_size"); err != nil {
		return nil, err
	}
	if cfg.TargetTierSize, err = requireInt(m, "target_tier_size"); err != nil {
		return nil, err
	}
	if cfg.CommID, err = requireInt(m, "comm_id"); err != nil {
		return nil, err
	}

	isIntraRaw, err := requireString(m, "is_intra")
	if err != nil {
		return nil, err
	}
	switch isIntraRaw {
	case "0":
		cfg.IsIntra = false
	case "1":
		cfg.IsIntra = true
	default:
		return nil, &ConfigError{Key: "is_intra", Err: fmt.Errorf("must be \"0\" or \"1\", got %q", isIntraRaw)}
	}

	if cfg.OwnLevel, err = requireInt(m, "gti_own_level"); err != nil {
		return nil, err
	}

	levels, err := decodeLevels(m, cfg.OwnLevel)
	if err != nil {
		return nil, err
	}
	cfg.Levels = levels

	return cfg, nil
}

func decodeLevels(m map[string]string, ownLevel int64) ([]LevelConfig, error) {
	var levels []LevelConfig
	for n := int64(0); ; n++ {
		sizeKey := fmt.Sprintf("gti_level_%d_size", n)
		sizeRaw, ok := m[sizeKey]
		if !ok {
			break
		}
		size, err := strconv.ParseInt(sizeRaw, 10, 64)
		if err != nil {
			return nil, &ConfigError{Key: sizeKey, Err: err}
		}

		distKey := fmt.Sprintf("gti_level_%d_%d_distribution", n, n+1)
		distRaw, ok := m[distKey]
		if !ok {
			levels = append(levels, LevelConfig{Size: size})
			continue
		}
		var dist Distribution
		switch Distribution(distRaw) {
		case Uniform, ByBlock:
			dist = Distribution(distRaw)
		default:
			return nil, &ConfigError{Key: distKey, Err: fmt.Errorf("must be %q or %q, got %q", Uniform, ByBlock, distRaw)}
		}

		var blockSize int64
		if dist == ByBlock {
			blockKey := fmt.Sprintf("gti_level_%d_%d_blocksize", n, n+1)
			blockRaw, err := requireString(m, blockKey)
			if err != nil {
				return nil, err
			}
			blockSize, err = strconv.ParseInt(blockRaw, 10, 64)
			if err != nil {
				return nil, &ConfigError{Key: blockKey, Err: err}
			}
		}

		levels = append(levels, LevelConfig{Size: size, Distribution: dist, BlockSize: blockSize})
	}
	if len(levels) == 0 {
		return nil, &ConfigError{Key: "gti_level_0_size", Err: errors.New("at least one level is required")}
	}
	return levels, nil
}

func requireString(m map[string]string, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", &ConfigError{Key: key, Err: errors.New("missing required key")}
	}
	return v, nil
}

func requireInt(m map[string]string, key string) (int64, error) {
	raw, err := requireString(m, key)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, &ConfigError{Key: key, Err: perr}
	}
	return n, nil
}

// PlaceForRank computes the deterministic rank-to-place mapping at one
// level transition: given an application rank within a level of the given
// size, and that level's distribution/blocksize, returns the place id in
// the layer above that owns rank.
func PlaceForRank(rank, levelSize, placeCount int64, dist Distribution, blockSize int64) (int64, error) {
	if placeCount <= 0 {
		return 0, errors.New("topology: placeCount must be positive")
	}
	if rank < 0 || rank >= levelSize {
		return 0, fmt.Errorf("topology: rank %d out of range [0, %d)", rank, levelSize)
	}

	switch dist {
	case ByBlock:
		if blockSize <= 0 {
			return 0, errors.New("topology: by-block distribution requires a positive blocksize")
		}
		return rank / blockSize, nil
	case Uniform, "":
		// Uniform division with the remainder distributed to the first
		// ranks: the first (levelSize mod placeCount) places get one extra
		// rank each.
		base := levelSize / placeCount
		remainder := levelSize % placeCount
		// Place p owns ranks [p*base + min(p,remainder), (p+1)*base + min(p+1,remainder)).
		low, high := int64(0), int64(0)
		for p := int64(0); p < placeCount; p++ {
			extra := int64(0)
			if p < remainder {
				extra = 1
			}
			high = low + base + extra
			if rank >= low && rank < high {
				return p, nil
			}
			low = high
		}
		return 0, fmt.Errorf("topology: rank %d not covered by uniform distribution over %d places", rank, placeCount)
	default:
		return 0, fmt.Errorf("topology: unknown distribution %q", dist)
	}
}
