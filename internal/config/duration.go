package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30s" or "5m".
// Bare numbers are taken as nanoseconds, matching time.Duration's own
// JSON behavior.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Millis(n int64) Duration  { return Duration(time.Duration(n) * time.Millisecond) }
func Seconds(n int64) Duration { return Duration(time.Duration(n) * time.Second) }
func Minutes(n int64) Duration { return Duration(time.Duration(n) * time.Minute) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	case int:
		*d = Duration(time.Duration(x))
	case int64:
		*d = Duration(time.Duration(x))
	default:
		return fmt.Errorf("cannot parse %T as duration", v)
	}
	return nil
}
