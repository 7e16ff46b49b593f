// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the tool's settings from NFP_* environment variables.
// Command line flags override individual fields after loading.
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v9"

	"github.com/nfpbpf/offload/nfp/nfpasm"
)

const envPrefix = "nfp"

type Config struct {
	// LogSeverityScreen is the stderr log level; empty disables screen logging.
	LogSeverityScreen string `json:"log_severity_screen" split_words:"true" default:"info" validate:"omitempty,logLevel"`
	// LogSeverityFile and LogFilePath enable logging to a rotation-aware file.
	LogSeverityFile string `json:"log_severity_file" split_words:"true" validate:"omitempty,logLevel"`
	LogFilePath     string `json:"log_file_path" split_words:"true"`

	// Device limits.
	MaxStackDepth int `json:"max_stack_depth" split_words:"true" default:"64" validate:"gte=0,wordMultiple"`
	RegsPerThread int `json:"regs_per_thread" split_words:"true" default:"32" validate:"gt=0"`

	// Code store placement, in instruction words.
	StartOffset uint32 `json:"start_offset" split_words:"true" default:"0"`
	DoneOffset  uint32 `json:"done_offset" split_words:"true" default:"65535" validate:"codeAddr"`
	Capacity    int    `json:"capacity" default:"4096" validate:"gt=0"`

	StrictProvenance bool `json:"strict_provenance" split_words:"true"`

	StatsPeriod time.Duration `json:"stats_period" split_words:"true" default:"1s" validate:"gt=0"`
	// PortPrefix restricts the port table to links whose name starts with it.
	PortPrefix string `json:"port_prefix" split_words:"true"`
}

var validate *validator.Validate

const reasonString = "Reason: "

func init() {
	validate = validator.New()
	registerFieldValidator("logLevel", validateLogLevel)
	registerFieldValidator("wordMultiple", validateWordMultiple)
	registerFieldValidator("codeAddr", validateCodeAddr)
	validate.RegisterStructValidation(validateCodeStore, Config{})
}

func registerFieldValidator(key string, fn validator.Func) {
	if err := validate.RegisterValidation(key, fn); err != nil {
		log.WithError(err).Panicf("Failed to register %s validator", key)
	}
}

// reason lets a struct level check carry its message in the tag of the
// reported field error.
func reason(r string) string {
	return reasonString + r
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := log.ParseLevel(fl.Field().String())
	return err == nil
}

func validateWordMultiple(fl validator.FieldLevel) bool {
	return fl.Field().Int()%4 == 0
}

func validateCodeAddr(fl validator.FieldLevel) bool {
	return fl.Field().Uint() <= nfpasm.MaxBrAddr
}

// validateCodeStore checks that the configured program window fits in the
// code store.
func validateCodeStore(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Capacity <= 0 {
		return
	}
	if uint64(cfg.StartOffset)+uint64(cfg.Capacity) > nfpasm.MaxBrAddr+1 {
		sl.ReportError(reflect.ValueOf(cfg.StartOffset), "StartOffset", "",
			reason(fmt.Sprintf("%d words at %d overrun the code store", cfg.Capacity, cfg.StartOffset)), "")
	}
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field tags and the cross-field constraints, returning
// one error that lists every failure.
func (cfg *Config) Validate() error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, "failed to validate config")
	}
	var problems []string
	for _, f := range verrs {
		problems = append(problems, describe(f))
	}
	return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func describe(f validator.FieldError) string {
	if strings.HasPrefix(f.Tag(), reasonString) {
		return fmt.Sprintf("%s: %s", f.StructField(), strings.TrimPrefix(f.Tag(), reasonString))
	}
	switch f.Tag() {
	case "wordMultiple":
		return fmt.Sprintf("%s=%v is not a multiple of 4", f.StructField(), f.Value())
	case "codeAddr":
		return fmt.Sprintf("%s=%v is outside the code store", f.StructField(), f.Value())
	case "logLevel":
		return fmt.Sprintf("%s=%q is not a log level", f.StructField(), f.Value())
	}
	if f.Param() != "" {
		return fmt.Sprintf("%s=%v must be %s %s", f.StructField(), f.Value(), f.Tag(), f.Param())
	}
	return fmt.Sprintf("%s=%v fails %s", f.StructField(), f.Value(), f.Tag())
}

func (cfg *Config) String() string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(data)
}
