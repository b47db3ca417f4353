package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	removebg "github.com/DougieWougie/RemoveBackground"
	"github.com/DougieWougie/RemoveBackground/options"
	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// download the weights and images used by the onnxruntime integration tests.

var extraFiles = []struct {
	url, dest string
}{
	// Cat image from HuggingFace cats-image dataset
	{"https://huggingface.co/datasets/huggingface/cats-image/resolve/main/cats_image.jpeg", "./models/imageData/cat.jpg"},
}

func main() {
	store, err := removebg.NewModelStore(&options.ModelOptions{Dir: "./models"})
	if err != nil {
		panic(err)
	}
	path, err := store.EnsureArtifact()
	if err != nil {
		panic(err)
	}
	fmt.Printf("Weights at %s\n", path)

	if ok, err := fileutil.FileExists("./models/imageData"); err == nil {
		if !ok {
			err = os.MkdirAll("./models/imageData", os.ModePerm)
			if err != nil {
				panic(err)
			}
		}
		for _, f := range extraFiles {
			if exists, _ := fileutil.FileExists(f.dest); !exists {
				if err = downloadFile(context.Background(), f.url, f.dest); err != nil {
					panic(err)
				}
			}
		}
	} else {
		panic(err)
	}
}

// downloadFile downloads a file from a URL to a destination path.
func downloadFile(ctx context.Context, url string, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	out, err := fileutil.NewFileWriter(dest, "image/jpeg")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	_, err = io.Copy(out, resp.Body)
	return err
}
