package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// notepipe-upload drops a local audio file into the watched artifact
// tree so the service picks it up as a storage-finalize event. The copy
// goes through a .tmp name and a rename, which the watcher ignores
// until the final name appears.
func main() {
	owner := flag.String("owner", "", "owner user id")
	file := flag.String("file", "", "path to the audio file to upload")
	root := flag.String("root", "./data/artifacts", "artifact root directory")
	note := flag.String("note", "", "note id (defaults to a random id, keeps the source extension)")
	flag.Parse()

	if *owner == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "usage: notepipe-upload -owner <uid> -file <audio> [-root dir] [-note id]")
		os.Exit(2)
	}

	objectName, err := upload(*root, *owner, *file, *note)
	if err != nil {
		fmt.Fprintln(os.Stderr, "upload failed:", err)
		os.Exit(1)
	}
	fmt.Println(objectName)
}

func upload(root, owner, file, noteID string) (string, error) {
	src, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer src.Close()

	ext := filepath.Ext(file)
	if noteID == "" {
		noteID = uuid.NewString()
	}
	fileName := noteID + ext

	dir := filepath.Join(root, "recordings", owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dest := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	return "recordings/" + owner + "/" + fileName, nil
}
