// Command siftgen turns a subscriptions yaml file into the generated Go
// subscription table. Intended for go:generate:
//
//	//go:generate siftgen -in subscriptions.yaml -out subscriptions_generated.go -pkg main
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/filtergen"
)

func main() {
	in := flag.String("in", "subscriptions.yaml", "subscriptions yaml file")
	out := flag.String("out", "subscriptions_generated.go", "output Go file")
	pkg := flag.String("pkg", "main", "package name for the generated file")
	flag.Parse()

	decls, err := filtergen.Load(*in)
	if err != nil {
		logrus.WithError(err).Fatal("invalid subscriptions")
	}

	f, err := os.Create(*out)
	if err != nil {
		logrus.WithError(err).Fatal("create output")
	}
	defer f.Close()

	if err := filtergen.Generate(f, *pkg, decls.Subscriptions); err != nil {
		logrus.WithError(err).Fatal("generate")
	}
	logrus.WithFields(logrus.Fields{"subscriptions": len(decls.Subscriptions), "out": *out}).
		Info("subscription table generated")
}
