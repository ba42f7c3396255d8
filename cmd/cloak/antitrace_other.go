//go:build !linux

package main

func checkTracer() error { return nil }
