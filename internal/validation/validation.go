/*
 * Copyright 2025 The grommunio-sync Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package validation provides the validation functions for user-supplied
// values such as device ids and configuration structs.
package validation

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

const (
	// Device ids arrive on the query string; ActiveSync clients send short
	// alphanumeric identifiers.
	deviceIDRegexString = `^[0-9A-Za-z]{1,32}$`

	// Wire format of a sync key: the zero key or {uuid}counter.
	syncKeyRegexString = `^(0|\{[0-9A-Za-z-]+\}[0-9]+)$`
)

var (
	deviceIDRegex = regexp.MustCompile(deviceIDRegexString)
	syncKeyRegex  = regexp.MustCompile(syncKeyRegexString)
)

var (
	defaultValidator = validator.New()
	defaultEn        = en.New()
	uni              = ut.New(defaultEn, defaultEn)
	trans, _         = uni.GetTranslator(defaultEn.Locale())
)

// Violation is the error returned by the validation.
type Violation struct {
	Tag         string
	Field       string
	Err         error
	Description string
}

// Error returns the error message.
func (e Violation) Error() string {
	return e.Err.Error()
}

// StructError is the error returned by the validation of struct.
type StructError struct {
	Violations []Violation
}

// Error returns the error message.
func (s StructError) Error() string {
	sb := strings.Builder{}
	for _, v := range s.Violations {
		sb.WriteString(v.Error())
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}

// RegisterValidation is a shortcut of defaultValidator.RegisterValidation
// that registers a custom validation with the given tag.
func RegisterValidation(tag string, fn validator.Func) error {
	if err := defaultValidator.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("register validation: %w", err)
	}
	return nil
}

// RegisterTranslation registers the violation message for the given tag.
func RegisterTranslation(tag, msg string) error {
	if err := defaultValidator.RegisterTranslation(
		tag,
		trans,
		func(ut ut.Translator) error {
			if err := ut.Add(tag, msg, true); err != nil {
				return fmt.Errorf("register translation: %w", err)
			}
			return nil
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	); err != nil {
		return fmt.Errorf("register translation: %w", err)
	}
	return nil
}

// ValidateValue validates the value with the tag.
func ValidateValue(v interface{}, tag string) error {
	if err := defaultValidator.Var(v, tag); err != nil {
		for _, e := range err.(validator.ValidationErrors) {
			return Violation{
				Tag:         e.Tag(),
				Err:         e,
				Description: e.Translate(trans),
			}
		}
	}
	return nil
}

// ValidateStruct validates the struct by its validate tags.
func ValidateStruct(s interface{}) error {
	if err := defaultValidator.Struct(s); err != nil {
		structError := &StructError{}
		for _, e := range err.(validator.ValidationErrors) {
			structError.Violations = append(structError.Violations, Violation{
				Tag:         e.Tag(),
				Field:       e.StructField(),
				Err:         e,
				Description: e.Translate(trans),
			})
		}
		return structError
	}

	return nil
}

func init() {
	if err := entranslations.RegisterDefaultTranslations(defaultValidator, trans); err != nil {
		fmt.Fprintln(os.Stderr, "validation register default translations:", err)
		os.Exit(1)
	}

	if err := RegisterValidation("device_id", func(level validator.FieldLevel) bool {
		return deviceIDRegex.MatchString(level.Field().String())
	}); err != nil {
		fmt.Fprintln(os.Stderr, "validation device_id:", err)
		os.Exit(1)
	}
	if err := RegisterTranslation(
		"device_id",
		"{0} must be an alphanumeric device identifier",
	); err != nil {
		fmt.Fprintln(os.Stderr, "validation device_id:", err)
		os.Exit(1)
	}

	if err := RegisterValidation("synckey", func(level validator.FieldLevel) bool {
		return syncKeyRegex.MatchString(level.Field().String())
	}); err != nil {
		fmt.Fprintln(os.Stderr, "validation synckey:", err)
		os.Exit(1)
	}
	if err := RegisterTranslation(
		"synckey",
		"{0} must be the zero key or a {uuid}counter sync key",
	); err != nil {
		fmt.Fprintln(os.Stderr, "validation synckey:", err)
		os.Exit(1)
	}

	if err := RegisterValidation("duration", func(level validator.FieldLevel) bool {
		_, err := time.ParseDuration(level.Field().String())
		return err == nil
	}); err != nil {
		fmt.Fprintln(os.Stderr, "validation duration:", err)
		os.Exit(1)
	}
	if err := RegisterTranslation(
		"duration",
		"{0} must be a valid time duration string",
	); err != nil {
		fmt.Fprintln(os.Stderr, "validation duration:", err)
		os.Exit(1)
	}
}
