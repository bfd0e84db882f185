package server

import (
	"fmt"
	"net/http"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) error {
	snap, err := s.store.Fetch(r.Context(), editorOf(r), r.PathValue("collection"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, snap)
	return nil
}

func (s *Server) archived(w http.ResponseWriter, r *http.Request) error {
	items, err := s.store.Archived(r.Context(), r.PathValue("collection"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, models.Collection{Tests: items})
	return nil
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) error {
	var body models.VersionedValue[models.Collection]
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := s.store.Save(r.Context(), editorOf(r), r.PathValue("collection"), body.Version, body.Value); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) error {
	var body models.VersionedValue[models.Record]
	if err := decodeBody(r, &body); err != nil {
		return err
	}

	name, err := body.Value.Name()
	if err != nil {
		return err
	}
	if name != r.PathValue("name") {
		return fmt.Errorf("%w: body names %q but path names %q", models.ErrInvalidRequest, name, r.PathValue("name"))
	}

	if err := s.store.UpdateItem(r.Context(), editorOf(r), r.PathValue("collection"), body.Version, body.Value); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) error {
	var body models.VersionedValue[models.Record]
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := s.store.Create(r.Context(), editorOf(r), r.PathValue("collection"), body.Version, body.Value); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) reorder(w http.ResponseWriter, r *http.Request) error {
	var body models.VersionedValue[[]string]
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := s.store.Reorder(r.Context(), editorOf(r), r.PathValue("collection"), body.Version, body.Value); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) error {
	var names []string
	if err := decodeBody(r, &names); err != nil {
		return err
	}
	if err := s.store.Archive(r.Context(), editorOf(r), r.PathValue("collection"), names); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) error {
	var names []string
	if err := decodeBody(r, &names); err != nil {
		return err
	}
	if err := s.store.Delete(r.Context(), editorOf(r), r.PathValue("collection"), names); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) error {
	status, err := models.ParseTestStatus(r.PathValue("status"))
	if err != nil {
		return err
	}

	var names []string
	if err := decodeBody(r, &names); err != nil {
		return err
	}
	if err := s.store.SetStatus(r.Context(), editorOf(r), r.PathValue("collection"), status, names); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) lockAction(action string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		key := models.ItemKey(r.PathValue("collection"), r.PathValue("name"))
		editor := editorOf(r)

		var err error
		switch action {
		case "lock":
			err = s.store.Lock(r.Context(), editor, key)
		case "unlock":
			err = s.store.Unlock(r.Context(), editor, key)
		case "takecontrol":
			err = s.store.ForceTakeover(r.Context(), editor, key)
		}
		if err != nil {
			return err
		}
		return ok(w)
	}
}
