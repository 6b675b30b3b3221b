package main

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/dispatch/internal/app"
)

func main() {
	fx.New(app.PrintAgent).Run()
}
