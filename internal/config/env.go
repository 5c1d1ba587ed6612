package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %s", key)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errors.Wrapf(err, "parse %s", key)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %s", key)
		}
		return i, nil
	}
	return def, nil
}

func Time(key string, def time.Time) (time.Time, error) {
	if v, ok := os.LookupEnv(key); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse %s", key)
		}
		return t, nil
	}
	return def, nil
}
