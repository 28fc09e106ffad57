package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp().Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "botctl:", err)
		os.Exit(1)
	}
}
