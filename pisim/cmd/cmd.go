// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the pisim commands.
package cmd

import (
	"fmt"

	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/scenario"
)

// loadScenario returns the built-in scenario or scenario file named by
// nameOrPath. Scenarios without their own lowest priority get the one from
// conf.
func loadScenario(conf *config.Config, nameOrPath string) (*scenario.Scenario, error) {
	sc, err := scenario.Lookup(nameOrPath)
	if err != nil {
		return nil, err
	}
	if sc.LowestPriority != 0 || conf.Lowest() == kernel.DefaultLowestPriority {
		return sc, nil
	}
	// Built-in scenarios are shared.
	cp := *sc
	cp.LowestPriority = conf.Lowest()
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("with --lowest-priority=%d: %w", conf.LowestPriority, err)
	}
	return &cp, nil
}
