// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration and runtime introspection layer of wsengine.
//
// Provides:
//   - YAML configuration with defaults and validation, convertible into
//     protocol, transport and logging settings
//   - A concurrent-safe metrics registry of counters and probe gauges with a
//     JSON snapshot export
package control
