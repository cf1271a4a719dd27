//go:build windows

package engine

import "os"

func platformActions(_ map[os.Signal]Action) {}
