package conn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// RedisOption defines coordination store connection options.
type RedisOption struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// URL takes precedence over Addr/Password/DB, e.g. redis://:pw@host:6379/0.
	URL          string        `yaml:"url" json:"url"`
	DialTimeout  time.Duration `yaml:"-" json:"-"`
	ReadTimeout  time.Duration `yaml:"-" json:"-"`
	WriteTimeout time.Duration `yaml:"-" json:"-"`
}

// NewRedis creates a redis client and verifies it with a PING.
func NewRedis(ctx context.Context, option RedisOption) (*redis.Client, error) {
	opts, err := option.options()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis").With("addr", opts.Addr)
	}
	return client, nil
}

func (opt RedisOption) options() (*redis.Options, error) {
	var opts *redis.Options
	if opt.URL != "" {
		parsed, err := redis.ParseURL(opt.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	} else {
		addr := opt.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: opt.Password,
			DB:       opt.DB,
		}
	}

	if opt.DialTimeout > 0 {
		opts.DialTimeout = opt.DialTimeout
	}
	if opt.ReadTimeout > 0 {
		opts.ReadTimeout = opt.ReadTimeout
	}
	if opt.WriteTimeout > 0 {
		opts.WriteTimeout = opt.WriteTimeout
	}
	return opts, nil
}
