package main

import (
	"log"

	"github.com/Singlerr/FarPlaneTwo/internal/app"
	"github.com/Singlerr/FarPlaneTwo/pkg/config"
)

func main() {
	realMain()
}

func realMain() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalln("failed to load config: ", err)
	}

	app.Run(cfg)
}
