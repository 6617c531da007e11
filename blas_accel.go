//go:build accelerate

package main

// #cgo LDFLAGS: -framework Accelerate
import "C"
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/cgo"
)

// Builds with `-tags accelerate` route gonum matrix ops through Apple's
// Accelerate BLAS instead of the pure-Go kernels.
func init() {
	blas64.Use(cgo.Implementation{})
}
