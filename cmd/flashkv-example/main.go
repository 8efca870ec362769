// Command flashkv-example demonstrates basic library usage: open a
// database, get or create a collection, add a record, update it,
// flush, and read it back. Not part of the importable core surface.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/flashkv/flashkv"
)

type Article struct {
	Title string
	Views int
}

func main() {
	dir, err := os.MkdirTemp("", "flashkv-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := flashkv.OpenDatabase(dir, "blog")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	opts := flashkv.NewOptions[int, Article](
		flashkv.WithCompression[int, Article](),
	)

	articles, err := flashkv.GetOrCreateCollection[int, Article](db, "articles", opts)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := articles.Add(1, Article{Title: "Hello, flashkv", Views: 0}); err != nil {
		log.Fatal(err)
	}
	if err := articles.AddOrUpdate(1, Article{Title: "Hello, flashkv", Views: 1}); err != nil {
		log.Fatal(err)
	}

	if err := articles.Flush(); err != nil {
		log.Fatal(err)
	}

	v, found, err := articles.TryGet(1)
	if err != nil {
		log.Fatal(err)
	}
	if !found {
		log.Fatal("expected article 1 to be present")
	}

	fmt.Printf("article 1: %+v\n", v)
}
