// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Autoterm - Diesel Heater Bridge
//
// Sits between an Autoterm control panel and its heater, forwards the
// traffic, runs a thermostat and publishes the heater state over MQTT and
// HTTP.

package main

import (
	"os"

	"github.com/Thermoquad/autoterm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
