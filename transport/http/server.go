// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package http is a thin smart-HTTP adapter over the protocol package's
// upload-pack and receive-pack engines (§3 item 11): it proves the
// framing contract in modules/protocol is transport-agnostic by driving
// the exact same RunUploadPack/RunReceivePack state machines the SSH
// adapter drives, just with pkt-lines carried over chunked HTTP bodies
// instead of a raw byte stream.
//
// Routes mirror git's dumb naming for the smart protocol:
//
//	GET  /{repo}/info/refs?service=git-upload-pack
//	GET  /{repo}/info/refs?service=git-receive-pack
//	POST /{repo}/git-upload-pack
//	POST /{repo}/git-receive-pack
package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/protocol"
	"github.com/kohrobin/gitcore/modules/repo"
	"github.com/sirupsen/logrus"
)

// RepoOpener resolves the repo named in a request path to an open
// repository, so this package never has to know how repositories are
// laid out on disk (bare directories, a database-backed hub, etc).
type RepoOpener func(name string) (*repo.Repository, error)

// Server is the smart-HTTP adapter; it owns no repository state itself,
// only the mux.Router wiring and the opener callback.
type Server struct {
	srv    *http.Server
	open   RepoOpener
	router *mux.Router
}

// NewServer builds a smart-HTTP server listening on addr, resolving
// repositories through open.
func NewServer(addr string, open RepoOpener) *Server {
	s := &Server{open: open}
	r := mux.NewRouter()
	r.HandleFunc("/{repo:.*}/info/refs", s.infoRefs).Methods(http.MethodGet)
	r.HandleFunc("/{repo:.*}/git-upload-pack", s.service(uploadPackService)).Methods(http.MethodPost)
	r.HandleFunc("/{repo:.*}/git-receive-pack", s.service(receivePackService)).Methods(http.MethodPost)
	s.router = r
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// ListenAndServe blocks serving the smart-HTTP endpoints.
func (s *Server) ListenAndServe() error {
	logrus.Infof("gitcore http transport listen: %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	s.router.ServeHTTP(w, r)
	logrus.Infof("[%s] %s %s spent: %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(started))
}

type service string

const (
	uploadPackService  service = "git-upload-pack"
	receivePackService service = "git-receive-pack"
)

// infoRefs answers the ref-discovery half of the smart protocol (§4.8): a
// pkt-line ref advertisement framed as one extra "# service=<name>\n"
// line plus a flush-pkt, exactly as git's smart HTTP client expects.
func (s *Server) infoRefs(w http.ResponseWriter, r *http.Request) {
	svc := service(r.URL.Query().Get("service"))
	if svc != uploadPackService && svc != receivePackService {
		http.Error(w, "unknown or missing service", http.StatusBadRequest)
		return
	}
	rr, err := s.openRepo(w, r)
	if err != nil {
		return
	}
	defer rr.Close()

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", svc))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	pw := protocol.NewWriter(w)
	if err := pw.WriteLineString(fmt.Sprintf("# service=%s\n", svc)); err != nil {
		logrus.Errorf("info/refs write service line: %v", err)
		return
	}
	if err := pw.Flush(); err != nil {
		logrus.Errorf("info/refs write flush: %v", err)
		return
	}
	if err := s.runAdvertisementOnly(rr, svc, pw); err != nil {
		logrus.Errorf("info/refs advertise for %s: %v", svc, err)
	}
}

// service dispatches the two POST endpoints through the same
// RunUploadPack/RunReceivePack engines the SSH adapter uses, the pkt-line
// stream carried as the request body / response body verbatim.
func (s *Server) service(svc service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rr, err := s.openRepo(w, r)
		if err != nil {
			return
		}
		defer rr.Close()

		w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", svc))
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		pr := protocol.NewReader(r.Body)
		pw := protocol.NewWriter(flushingWriter{w, flusher})

		var runErr error
		switch svc {
		case uploadPackService:
			runErr = protocol.RunUploadPack(rr, rr.UploadPackOptions(), pr, pw)
		case receivePackService:
			runErr = protocol.RunReceivePack(rr, rr.ReceivePackOptions(), pr, pw)
		}
		if runErr != nil {
			logrus.Errorf("%s for %s: %v", svc, r.URL.Path, runErr)
		}
	}
}

// flushingWriter flushes the underlying http.ResponseWriter after every
// pkt-line write, so a client streaming side-band progress sees it live
// instead of buffered until the handler returns.
type flushingWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushingWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func (s *Server) openRepo(w http.ResponseWriter, r *http.Request) (*repo.Repository, error) {
	name := mux.Vars(r)["repo"]
	rr, err := s.open(name)
	if err != nil {
		if gerr.Is(err, gerr.NotFound) {
			http.Error(w, "repository not found", http.StatusNotFound)
		} else {
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return nil, err
	}
	return rr, nil
}

// runAdvertisementOnly writes the ref advertisement for the GET info/refs
// half of the protocol, which stops after advertising and never reads a
// request body. It is its own copy of the engines' RefAdvertise step, not
// a call into them, and it advertises only the agent capability.
func (s *Server) runAdvertisementOnly(rr *repo.Repository, svc service, pw *protocol.Writer) error {
	refs, err := rr.AdvertisedRefs()
	if err != nil {
		return err
	}
	caps := "agent=gitcore/1.0"
	if len(refs) == 0 {
		return pw.WriteLineString(fmt.Sprintf("0000000000000000000000000000000000000000 capabilities^{}\x00%s\n", caps))
	}
	for i, ref := range refs {
		line := fmt.Sprintf("%s %s", ref.OID, ref.Name)
		if i == 0 {
			line += "\x00" + caps
		}
		line += "\n"
		if err := pw.WriteLineString(line); err != nil {
			return err
		}
		if ref.Peeled != nil {
			if err := pw.WriteLineString(fmt.Sprintf("^%s\n", ref.Peeled)); err != nil {
				return err
			}
		}
	}
	return pw.Flush()
}
